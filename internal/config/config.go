// Package config loads studyctx settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogleAI  = "googleai"
	ProviderBedrock   = "bedrock"
)

// Store drivers.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreSurrealDB = "surrealdb"
)

// Token estimators.
const (
	EstimatorChars    = "chars"
	EstimatorTiktoken = "tiktoken"
)

// ErrInvalid is returned by Load when a setting cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Budget holds the context assembly limits. All values are positive.
type Budget struct {
	MaxContextTokens   int
	MaxHistoryTurns    int
	SummaryUpdateEvery int
	SummaryMaxTokens   int
	MaxPartChars       int

	GraphExcerptMaxTokens   int
	GraphExcerptMaxEntities int
}

// Config holds all configuration values.
type Config struct {
	Budget Budget

	// Token estimation
	TokenEstimator string

	// Canvas LMS
	LMSConcurrency    int
	LMSRequestTimeout time.Duration
	LMSPageTimeout    time.Duration
	LMSMaxRetries     int

	// Prefetch and graph cache
	PrefetchMaxItems int
	PrefetchTimeout  time.Duration
	GraphTTL         time.Duration
	GraphCacheUsers  int
	GraphStore       string

	// LLM used by the rolling summarizer
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string
	AWSRegion       string
	SummaryTimeout  time.Duration

	// Conversation persistence
	ConversationStore string
	ConversationTTL   time.Duration

	// Redis
	RedisURL string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Credentials
	SupabaseURL        string
	SupabaseServiceKey string
	EncryptionKey      string
	CanvasAPIURL       string
	CanvasAPIKey       string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// HTTP server
	ServerPort string
}

// Load reads configuration from environment variables.
// Budget and limit values that are not positive integers fail fast.
func Load() (Config, error) {
	p := &parser{}

	cfg := Config{
		Budget: Budget{
			MaxContextTokens:        p.positiveInt("MAX_CONTEXT_TOKENS", 8000),
			MaxHistoryTurns:         p.positiveInt("MAX_HISTORY_TURNS", 12),
			SummaryUpdateEvery:      p.positiveInt("SUMMARY_UPDATE_EVERY", 6),
			SummaryMaxTokens:        p.positiveInt("SUMMARY_MAX_TOKENS", 1200),
			MaxPartChars:            p.positiveInt("MAX_PART_CHARS", 4000),
			GraphExcerptMaxTokens:   p.positiveInt("GRAPH_EXCERPT_MAX_TOKENS", 1500),
			GraphExcerptMaxEntities: p.positiveInt("GRAPH_EXCERPT_MAX_ENTITIES", 8),
		},
		TokenEstimator: strings.ToLower(getEnv("TOKEN_ESTIMATOR", EstimatorChars)),

		LMSConcurrency:    p.positiveInt("LMS_CONCURRENCY", 4),
		LMSRequestTimeout: p.duration("LMS_REQUEST_TIMEOUT", 10*time.Second),
		LMSPageTimeout:    p.duration("LMS_PAGE_TIMEOUT", 15*time.Second),
		LMSMaxRetries:     p.positiveInt("LMS_MAX_RETRIES", 3),

		PrefetchMaxItems: p.positiveInt("PREFETCH_MAX_ITEMS", 30),
		PrefetchTimeout:  p.duration("PREFETCH_TIMEOUT", 30*time.Second),
		GraphTTL:         p.duration("GRAPH_TTL", time.Hour),
		GraphCacheUsers:  p.positiveInt("GRAPH_CACHE_USERS", 1000),
		GraphStore:       strings.ToLower(getEnv("GRAPH_STORE", StoreMemory)),

		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", ProviderOllama)),
		LLMModel:        getEnv("LLM_MODEL", "llama3.2"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		GoogleAPIKey:    getEnv("GOOGLE_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		SummaryTimeout:  p.duration("SUMMARY_TIMEOUT", 30*time.Second),

		ConversationStore: strings.ToLower(getEnv("CONVERSATION_STORE", StoreMemory)),
		ConversationTTL:   p.duration("CONVERSATION_TTL", 7*24*time.Hour),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "studyctx"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "conversations"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		CanvasAPIURL:       getEnv("CANVAS_API_URL", ""),
		CanvasAPIKey:       getEnv("CANVAS_API_KEY", ""),

		LogFile:  getEnv("STUDYCTX_LOG_FILE", "/tmp/studyctx.log"),
		LogLevel: parseLogLevel(getEnv("STUDYCTX_LOG_LEVEL", "INFO")),

		ServerPort: getEnv("STUDYCTX_SERVER_PORT", "8484"),
	}

	if err := cfg.validate(); err != nil {
		p.errs = append(p.errs, err)
	}
	if len(p.errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(p.errs...))
	}
	return cfg, nil
}

// validate checks the cross-field and enum constraints.
func (c Config) validate() error {
	var errs []error

	switch c.TokenEstimator {
	case EstimatorChars, EstimatorTiktoken:
	default:
		errs = append(errs, fmt.Errorf("TOKEN_ESTIMATOR: unknown estimator %q", c.TokenEstimator))
	}

	switch c.LLMProvider {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderGoogleAI, ProviderBedrock:
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER: unsupported provider %q", c.LLMProvider))
	}

	switch c.GraphStore {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("GRAPH_STORE: unsupported store %q", c.GraphStore))
	}

	switch c.ConversationStore {
	case StoreMemory, StoreRedis, StoreSurrealDB:
	default:
		errs = append(errs, fmt.Errorf("CONVERSATION_STORE: unsupported store %q", c.ConversationStore))
	}

	if c.Budget.SummaryMaxTokens >= c.Budget.MaxContextTokens {
		errs = append(errs, fmt.Errorf("SUMMARY_MAX_TOKENS (%d) must be smaller than MAX_CONTEXT_TOKENS (%d)",
			c.Budget.SummaryMaxTokens, c.Budget.MaxContextTokens))
	}

	return errors.Join(errs...)
}

// parser collects every malformed value so Load can report them together.
type parser struct {
	errs []error
}

func (p *parser) positiveInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return defaultVal
	}
	if n <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must be positive, got %d", key, n))
		return defaultVal
	}
	return n
}

func (p *parser) duration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	if d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must be positive, got %s", key, d))
		return defaultVal
	}
	return d
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setting is one effective configuration value keyed by its environment variable.
type Setting struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Settings lists the effective configuration. Secrets are reported only as set or unset.
func (c Config) Settings() []Setting {
	secret := func(v string) string {
		if v == "" {
			return ""
		}
		return "(set)"
	}
	itoa := strconv.Itoa
	return []Setting{
		{"MAX_CONTEXT_TOKENS", itoa(c.Budget.MaxContextTokens)},
		{"MAX_HISTORY_TURNS", itoa(c.Budget.MaxHistoryTurns)},
		{"SUMMARY_UPDATE_EVERY", itoa(c.Budget.SummaryUpdateEvery)},
		{"SUMMARY_MAX_TOKENS", itoa(c.Budget.SummaryMaxTokens)},
		{"MAX_PART_CHARS", itoa(c.Budget.MaxPartChars)},
		{"GRAPH_EXCERPT_MAX_TOKENS", itoa(c.Budget.GraphExcerptMaxTokens)},
		{"GRAPH_EXCERPT_MAX_ENTITIES", itoa(c.Budget.GraphExcerptMaxEntities)},
		{"TOKEN_ESTIMATOR", c.TokenEstimator},
		{"LMS_CONCURRENCY", itoa(c.LMSConcurrency)},
		{"LMS_REQUEST_TIMEOUT", c.LMSRequestTimeout.String()},
		{"LMS_PAGE_TIMEOUT", c.LMSPageTimeout.String()},
		{"LMS_MAX_RETRIES", itoa(c.LMSMaxRetries)},
		{"PREFETCH_MAX_ITEMS", itoa(c.PrefetchMaxItems)},
		{"PREFETCH_TIMEOUT", c.PrefetchTimeout.String()},
		{"GRAPH_TTL", c.GraphTTL.String()},
		{"GRAPH_CACHE_USERS", itoa(c.GraphCacheUsers)},
		{"GRAPH_STORE", c.GraphStore},
		{"LLM_PROVIDER", c.LLMProvider},
		{"LLM_MODEL", c.LLMModel},
		{"OLLAMA_HOST", c.OllamaHost},
		{"OPENAI_API_KEY", secret(c.OpenAIAPIKey)},
		{"ANTHROPIC_API_KEY", secret(c.AnthropicAPIKey)},
		{"GOOGLE_API_KEY", secret(c.GoogleAPIKey)},
		{"AWS_REGION", c.AWSRegion},
		{"SUMMARY_TIMEOUT", c.SummaryTimeout.String()},
		{"CONVERSATION_STORE", c.ConversationStore},
		{"CONVERSATION_TTL", c.ConversationTTL.String()},
		{"REDIS_URL", c.RedisURL},
		{"SURREALDB_URL", c.SurrealDBURL},
		{"SURREALDB_NAMESPACE", c.SurrealDBNamespace},
		{"SURREALDB_DATABASE", c.SurrealDBDatabase},
		{"SURREALDB_USER", c.SurrealDBUser},
		{"SURREALDB_PASS", secret(c.SurrealDBPass)},
		{"SUPABASE_URL", c.SupabaseURL},
		{"SUPABASE_SERVICE_KEY", secret(c.SupabaseServiceKey)},
		{"ENCRYPTION_KEY", secret(c.EncryptionKey)},
		{"CANVAS_API_URL", c.CanvasAPIURL},
		{"CANVAS_API_KEY", secret(c.CanvasAPIKey)},
		{"STUDYCTX_LOG_FILE", c.LogFile},
		{"STUDYCTX_LOG_LEVEL", c.LogLevel.String()},
		{"STUDYCTX_SERVER_PORT", c.ServerPort},
	}
}
