package core

import (
	"fmt"
	"strings"
	"text/template"
)

const (
	summarySystemInstruction = "You summarize customer conversations for a product recommendation engine. " +
		"Keep concrete needs, constraints, team size, budget and product categories. Write plain prose."

	narrativeSystemInstruction = "You maintain a short business profile of a user for product matching. " +
		"Describe who they are, what they are trying to achieve and what kind of tools would help them."

	intentSystemInstruction = "You classify how close a user is to buying software. Answer only with JSON."

	replySystemInstruction = "You are a helpful assistant that recommends software products. " +
		"Only mention products from the provided list. If the list is empty, ask a clarifying question instead of inventing products. " +
		"Keep your answers concise."
)

var (
	threadSummaryTemplate = template.Must(template.New("thread_summary").Parse(
		`{{if .previous_summary}}Here is the summary of the conversation so far:
{{.previous_summary}}

Update it with the newer messages below. Keep every fact from the previous summary that is still relevant and revise facts the new messages contradict.
{{else}}Summarize the following conversation.
{{end}}
Messages:
{{.messages}}

Write between 50 and 300 words.`))

	narrativeTemplate = template.Must(template.New("context_narrative").Parse(
		`{{if .current_context}}Current profile:
{{.current_context}}

{{end}}Latest conversation summary:
{{.thread_summary}}

Write the updated profile in 100 to 200 words.`))

	intentTemplate = template.Must(template.New("purchase_intent").Parse(
		`Conversation summary:
{{.thread_summary}}

Most recent messages:
{{.recent_messages}}

Rate the purchase intent as low, moderate or high, give a score from 0 to 100 and a one sentence rationale.
Respond with JSON matching this schema:
{{.schema}}`))

	replyTemplate = template.Must(template.New("reply").Parse(
		`{{if .user_context}}What we know about the user:
{{.user_context}}

{{end}}Conversation summary:
{{.thread_summary}}

Products that match:
{{if .products}}{{.products}}{{else}}(none){{end}}

User message: {{.user_message}}`))
)

// renderPrompt fills a template with string variables.
func renderPrompt(t *template.Template, vars map[string]string) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}
