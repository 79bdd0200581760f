package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"gwi.com/context-recommender/internal/errs"
)

// CallPolicy bounds every provider call: a per-attempt timeout, a shared
// request rate and a retry budget for transient failures.
type CallPolicy struct {
	Timeout           time.Duration
	RequestsPerMinute int
	MaxAttempts       int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	Logger            *slog.Logger
}

type guard struct {
	policy  CallPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newGuard(p CallPolicy) *guard {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 500 * time.Millisecond
	}
	if p.MaxRetryDelay <= 0 {
		p.MaxRetryDelay = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if p.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(p.RequestsPerMinute)/60), max(1, p.RequestsPerMinute/60))
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &guard{policy: p, limiter: limiter, logger: logger}
}

// do runs fn with exponential backoff. Failures come back as ProviderError;
// a deadline hit inside an attempt is marked as a timeout.
func (g *guard) do(ctx context.Context, op, provider string, fn func(ctx context.Context) error) error {
	delay := g.policy.RetryDelay
	var lastErr error

	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Provider(op, errors.Join(lastErr, err))
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return errs.Provider(op, err)
		}

		lastErr = g.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) || attempt == g.policy.MaxAttempts {
			break
		}

		g.logger.Debug("provider call failed, retrying",
			"op", op, "provider", provider, "attempt", attempt, "err", lastErr, "delay", delay)
		select {
		case <-ctx.Done():
			return errs.Provider(op, errors.Join(lastErr, ctx.Err()))
		case <-time.After(delay):
		}
		delay = min(delay*2, g.policy.MaxRetryDelay)
	}

	g.logger.Warn("provider call failed", "op", op, "provider", provider, "err", lastErr)
	return errs.Provider(op, lastErr)
}

func (g *guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.policy.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.policy.Timeout)
	defer cancel()
	return fn(callCtx)
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || openAIPermanent(err) {
		return false
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return typed.Kind == errs.KindProvider
	}
	return true
}

type guardedEmbedder struct {
	inner Embedder
	guard *guard
}

// GuardEmbedder applies p to every call made through e.
func GuardEmbedder(e Embedder, p CallPolicy) Embedder {
	return &guardedEmbedder{inner: e, guard: newGuard(p)}
}

func (e *guardedEmbedder) Name() string    { return e.inner.Name() }
func (e *guardedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *guardedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.guard.do(ctx, "embed", e.inner.Name(), func(ctx context.Context) error {
		var err error
		out, err = e.inner.Embed(ctx, texts)
		return err
	})
	return out, err
}

type guardedGenerator struct {
	inner Generator
	guard *guard
}

// GuardGenerator applies p to every call made through g.
func GuardGenerator(g Generator, p CallPolicy) Generator {
	return &guardedGenerator{inner: g, guard: newGuard(p)}
}

func (g *guardedGenerator) Name() string { return g.inner.Name() }

func (g *guardedGenerator) Generate(ctx context.Context, req Request) (string, error) {
	var out string
	err := g.guard.do(ctx, "generate", g.inner.Name(), func(ctx context.Context) error {
		var err error
		out, err = g.inner.Generate(ctx, req)
		return err
	})
	return out, err
}
