package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	p := &Profile{}
	p.FromEnv()

	tests := []struct {
		name     string
		expected any
		actual   any
	}{
		{"agent mode defaults to history", AgentModeHistory, p.AgentMode},
		{"embedding dimensions default", 1536, p.EmbeddingDimensions},
		{"weekly budget default", 5.0, p.WeeklyBudgetUSD},
		{"similarity threshold default", 0.7, p.SimilarityThreshold},
		{"max candidates default", 5, p.MaxCandidates},
		{"match retry interval default", 30 * time.Minute, p.MatchRetryInterval},
		{"locale default", "en", p.Locale},
		{"llm timeout default", 120, p.LLMTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.actual)
		})
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEVMATCH_DSN", "postgres://localhost/devmatch")
	t.Setenv("DEVMATCH_BOT_TOKEN", "123:abc")
	t.Setenv("DEVMATCH_LLM_API_KEY", "sk-test")
	t.Setenv("DEVMATCH_AGENT_MODE", "continuation")
	t.Setenv("DEVMATCH_WEEKLY_BUDGET_USD", "12.5")
	t.Setenv("DEVMATCH_ADMIN_GROUP_ID", "-1001234567890")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "postgres://localhost/devmatch", p.DSN)
	assert.Equal(t, AgentModeContinuation, p.AgentMode)
	assert.Equal(t, 12.5, p.WeeklyBudgetUSD)
	assert.Equal(t, int64(-1001234567890), p.AdminGroupID)
	require.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Profile {
		return &Profile{
			DSN:                 "postgres://localhost/devmatch",
			BotToken:            "123:abc",
			LLMAPIKey:           "sk-test",
			AgentMode:           AgentModeHistory,
			WeeklyBudgetUSD:     5,
			SimilarityThreshold: 0.7,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Profile)
		errMsg string
	}{
		{"valid", func(p *Profile) {}, ""},
		{"missing dsn", func(p *Profile) { p.DSN = "" }, "DSN"},
		{"missing bot token", func(p *Profile) { p.BotToken = "" }, "bot token"},
		{"missing api key", func(p *Profile) { p.LLMAPIKey = "" }, "API key"},
		{"bad agent mode", func(p *Profile) { p.AgentMode = "hybrid" }, "agent mode"},
		{"zero budget", func(p *Profile) { p.WeeklyBudgetUSD = 0 }, "budget"},
		{"threshold out of range", func(p *Profile) { p.SimilarityThreshold = 1.5 }, "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DEVMATCH_DSN", "DEVMATCH_BOT_TOKEN", "DEVMATCH_ADMIN_GROUP_ID", "DEVMATCH_LOCALE",
		"DEVMATCH_LLM_API_KEY", "DEVMATCH_LLM_BASE_URL", "DEVMATCH_LLM_MODEL", "DEVMATCH_LLM_TIMEOUT",
		"DEVMATCH_AGENT_MODE", "DEVMATCH_EMBEDDING_API_KEY", "DEVMATCH_EMBEDDING_BASE_URL",
		"DEVMATCH_EMBEDDING_MODEL", "DEVMATCH_EMBEDDING_DIMENSIONS", "DEVMATCH_WEEKLY_BUDGET_USD",
		"DEVMATCH_SIMILARITY_THRESHOLD", "DEVMATCH_MAX_CANDIDATES", "DEVMATCH_MATCH_RETRY_MINUTES",
	} {
		t.Setenv(key, "")
	}
}
