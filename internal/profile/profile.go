// Package profile holds the runtime configuration of the devmatch service.
package profile

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Agent call modes.
const (
	AgentModeHistory      = "history"      // stateless, full history resent per turn
	AgentModeContinuation = "continuation" // stateful, provider holds prior turns
)

// Profile is configuration to start the main service.
type Profile struct {
	Mode    string // "prod" or "dev"
	Port    int    // health/metrics HTTP port
	DSN     string // postgres connection string
	Version string

	// Telegram
	BotToken     string
	AdminGroupID int64 // supergroup id for the admin mirror channel
	Locale       string

	// LLM (OpenAI-compatible protocol)
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string
	LLMTimeout int // request timeout in seconds
	AgentMode  string

	// Embeddings
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int

	// Pricing, USD per million tokens
	PriceInputPerM       float64
	PriceCachedInputPerM float64
	PriceOutputPerM      float64

	// Scheduling and matching
	WeeklyBudgetUSD     float64
	SimilarityThreshold float64
	MaxCandidates       int
	MatchRetryInterval  time.Duration
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// FromEnv fills unset fields from DEVMATCH_* environment variables.
func (p *Profile) FromEnv() {
	if p.DSN == "" {
		p.DSN = os.Getenv("DEVMATCH_DSN")
	}
	if p.BotToken == "" {
		p.BotToken = os.Getenv("DEVMATCH_BOT_TOKEN")
	}
	if p.AdminGroupID == 0 {
		p.AdminGroupID = getEnvOrDefaultInt64("DEVMATCH_ADMIN_GROUP_ID", 0)
	}
	p.Locale = getEnvOrDefault("DEVMATCH_LOCALE", "en")

	if p.LLMAPIKey == "" {
		p.LLMAPIKey = os.Getenv("DEVMATCH_LLM_API_KEY")
	}
	p.LLMBaseURL = getEnvOrDefault("DEVMATCH_LLM_BASE_URL", "https://api.openai.com/v1")
	p.LLMModel = getEnvOrDefault("DEVMATCH_LLM_MODEL", "gpt-4o")
	p.LLMTimeout = getEnvOrDefaultInt("DEVMATCH_LLM_TIMEOUT", 120)
	p.AgentMode = getEnvOrDefault("DEVMATCH_AGENT_MODE", AgentModeHistory)

	if p.EmbeddingAPIKey == "" {
		p.EmbeddingAPIKey = getEnvOrDefault("DEVMATCH_EMBEDDING_API_KEY", p.LLMAPIKey)
	}
	p.EmbeddingBaseURL = getEnvOrDefault("DEVMATCH_EMBEDDING_BASE_URL", p.LLMBaseURL)
	p.EmbeddingModel = getEnvOrDefault("DEVMATCH_EMBEDDING_MODEL", "text-embedding-3-small")
	p.EmbeddingDimensions = getEnvOrDefaultInt("DEVMATCH_EMBEDDING_DIMENSIONS", 1536)

	p.PriceInputPerM = getEnvOrDefaultFloat("DEVMATCH_PRICE_INPUT_PER_M", 2.50)
	p.PriceCachedInputPerM = getEnvOrDefaultFloat("DEVMATCH_PRICE_CACHED_INPUT_PER_M", 1.25)
	p.PriceOutputPerM = getEnvOrDefaultFloat("DEVMATCH_PRICE_OUTPUT_PER_M", 10.0)

	p.WeeklyBudgetUSD = getEnvOrDefaultFloat("DEVMATCH_WEEKLY_BUDGET_USD", 5.0)
	p.SimilarityThreshold = getEnvOrDefaultFloat("DEVMATCH_SIMILARITY_THRESHOLD", 0.7)
	p.MaxCandidates = getEnvOrDefaultInt("DEVMATCH_MAX_CANDIDATES", 5)
	p.MatchRetryInterval = time.Duration(getEnvOrDefaultInt("DEVMATCH_MATCH_RETRY_MINUTES", 30)) * time.Minute
}

// Validate checks that the profile can start the service.
func (p *Profile) Validate() error {
	if p.DSN == "" {
		return errors.New("database DSN is required (DEVMATCH_DSN or --dsn)")
	}
	if p.BotToken == "" {
		return errors.New("telegram bot token is required (DEVMATCH_BOT_TOKEN)")
	}
	if p.LLMAPIKey == "" {
		return errors.New("LLM API key is required (DEVMATCH_LLM_API_KEY)")
	}
	if p.AgentMode != AgentModeHistory && p.AgentMode != AgentModeContinuation {
		return errors.Errorf("invalid agent mode %q, want %q or %q", p.AgentMode, AgentModeHistory, AgentModeContinuation)
	}
	if p.WeeklyBudgetUSD <= 0 {
		return errors.New("weekly budget must be positive")
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold >= 1 {
		return errors.New("similarity threshold must be in (0, 1)")
	}
	return nil
}
