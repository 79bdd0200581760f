package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RECO_"

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	IndexChromem = "chromem"
	IndexSQLite  = "sqlite"
)

type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	Database   DatabaseConfig   `koanf:"database"`
	Log        LogConfig        `koanf:"log"`
	Auth       AuthConfig       `koanf:"auth"`
	Provider   ProviderConfig   `koanf:"provider"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Generation GenerationConfig `koanf:"generation"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Ranking    RankingConfig    `koanf:"ranking"`
	Catalog    CatalogConfig    `koanf:"catalog"`
}

type HTTPConfig struct {
	Port         string        `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	CORSOrigins  []string      `koanf:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	Enabled   bool          `koanf:"enabled"`
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	// AdminSubjects may run maintenance endpoints such as the retention sweep.
	AdminSubjects []string `koanf:"admin_subjects"`
}

// ProviderConfig holds credentials and call discipline shared by every
// embedding and generation client.
type ProviderConfig struct {
	OpenAIAPIKey      string        `koanf:"openai_api_key"`
	OpenAIBaseURL     string        `koanf:"openai_base_url"`
	GeminiAPIKey      string        `koanf:"gemini_api_key"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	MaxAttempts       int           `koanf:"max_attempts"`
	RetryDelay        time.Duration `koanf:"retry_delay"`
}

type EmbeddingConfig struct {
	Provider   string `koanf:"provider"`
	Model      string `koanf:"model"`
	Dimensions int    `koanf:"dimensions"`
	BatchSize  int    `koanf:"batch_size"`
}

type GenerationConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	Temperature float32 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

type PipelineConfig struct {
	// RecentWindow bounds the messages folded into an existing summary.
	RecentWindow     int  `koanf:"recent_window"`
	SummaryCacheSize int  `koanf:"summary_cache_size"`
	DeriveNarrative  bool `koanf:"derive_narrative"`
	// DegradedSummary substitutes the raw transcript when summarization fails.
	DegradedSummary bool `koanf:"degraded_summary"`
	RetentionDays   int  `koanf:"retention_days"`
}

type RankingConfig struct {
	UserWeight       float64 `koanf:"user_weight"`
	ThreadWeight     float64 `koanf:"thread_weight"`
	DefaultLimit     int     `koanf:"default_limit"`
	MaxLimit         int     `koanf:"max_limit"`
	Threshold        float64 `koanf:"threshold"`
	SimilarThreshold float64 `koanf:"similar_threshold"`
	SimilarLimit     int     `koanf:"similar_limit"`
}

type CatalogConfig struct {
	Index         string `koanf:"index"`
	MaxCandidates int    `koanf:"max_candidates"`
	SeedFile      string `koanf:"seed_file"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORSOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{URL: "recommender.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Auth:     AuthConfig{Enabled: false, TokenTTL: 24 * time.Hour},
		Provider: ProviderConfig{
			Timeout:           30 * time.Second,
			RequestsPerMinute: 1500,
			MaxAttempts:       3,
			RetryDelay:        500 * time.Millisecond,
		},
		Embedding: EmbeddingConfig{
			Provider:   ProviderOpenAI,
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			BatchSize:  100,
		},
		Generation: GenerationConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   800,
		},
		Pipeline: PipelineConfig{
			RecentWindow:     10,
			SummaryCacheSize: 1024,
			DeriveNarrative:  true,
			RetentionDays:    90,
		},
		Ranking: RankingConfig{
			UserWeight:       0.75,
			ThreadWeight:     0.25,
			DefaultLimit:     10,
			MaxLimit:         50,
			Threshold:        0.7,
			SimilarThreshold: 0.8,
			SimilarLimit:     5,
		},
		Catalog: CatalogConfig{
			Index:         IndexChromem,
			MaxCandidates: 5000,
			SeedFile:      "catalog.yaml",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	// RECO_PROVIDER__TIMEOUT -> provider.timeout
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	applyPlainEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPlainEnv honors the conventional variable names when the prefixed
// keys left a value empty.
func applyPlainEnv(cfg *Config) {
	setIfEmpty(&cfg.Provider.OpenAIAPIKey, "OPENAI_API_KEY")
	setIfEmpty(&cfg.Provider.GeminiAPIKey, "GEMINI_API_KEY")
	setIfEmpty(&cfg.Auth.JWTSecret, "JWT_SECRET")

	if v, ok := os.LookupEnv("DATABASE_URL"); ok && v != "" {
		cfg.Database.URL = v
	}
	if v, ok := os.LookupEnv("HTTP_PORT"); ok && v != "" {
		cfg.HTTP.Port = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

func setIfEmpty(dst *string, key string) {
	if *dst != "" {
		return
	}
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

var validProviders = map[string]bool{
	ProviderOpenAI: true,
	ProviderGemini: true,
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if !validProviders[c.Embedding.Provider] {
		return fmt.Errorf("invalid embedding.provider %q: must be openai or gemini", c.Embedding.Provider)
	}
	if !validProviders[c.Generation.Provider] {
		return fmt.Errorf("invalid generation.provider %q: must be openai or gemini", c.Generation.Provider)
	}
	for _, p := range []string{c.Embedding.Provider, c.Generation.Provider} {
		if key := c.APIKey(p); key == "" {
			return fmt.Errorf("%s environment variable is required", APIKeyEnvVar(p))
		}
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	if c.Provider.RequestsPerMinute < 0 {
		return fmt.Errorf("provider.requests_per_minute must be non-negative")
	}

	for name, w := range map[string]float64{"ranking.user_weight": c.Ranking.UserWeight, "ranking.thread_weight": c.Ranking.ThreadWeight} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%s must be finite and non-negative", name)
		}
	}
	if c.Ranking.UserWeight+c.Ranking.ThreadWeight == 0 {
		return fmt.Errorf("ranking weights must not both be zero")
	}
	if c.Ranking.Threshold < -1 || c.Ranking.Threshold > 1 {
		return fmt.Errorf("ranking.threshold must be within [-1, 1]")
	}
	if c.Ranking.MaxLimit <= 0 || c.Ranking.DefaultLimit <= 0 || c.Ranking.DefaultLimit > c.Ranking.MaxLimit {
		return fmt.Errorf("ranking limits must satisfy 0 < default_limit <= max_limit")
	}

	if c.Catalog.Index != IndexChromem && c.Catalog.Index != IndexSQLite {
		return fmt.Errorf("invalid catalog.index %q: must be chromem or sqlite", c.Catalog.Index)
	}
	if c.Pipeline.RecentWindow <= 0 {
		return fmt.Errorf("pipeline.recent_window must be positive")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required when auth is enabled")
	}
	return nil
}

// APIKey returns the configured key for a provider name.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return c.Provider.OpenAIAPIKey
	case ProviderGemini:
		return c.Provider.GeminiAPIKey
	default:
		return ""
	}
}

func APIKeyEnvVar(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}
