package llm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmatch/devmatch/store"
)

func TestTruncateHistory(t *testing.T) {
	history := make([]store.Message, 50)
	for i := range history {
		history[i] = store.Message{Role: store.RoleUser, Content: fmt.Sprintf("msg %d", i)}
	}

	t.Run("short history untouched", func(t *testing.T) {
		out := TruncateHistory(history[:10], 40)
		assert.Len(t, out, 10)
		assert.Equal(t, "msg 0", out[0].Content)
	})

	t.Run("long history keeps tail with one notice", func(t *testing.T) {
		out := TruncateHistory(history, 40)
		require.Len(t, out, 41)
		assert.Equal(t, store.RoleSystem, out[0].Role)
		assert.Equal(t, "earlier messages truncated", out[0].Content)
		assert.Equal(t, "msg 10", out[1].Content)
		assert.Equal(t, "msg 49", out[40].Content)
	})
}

func TestPricingCost(t *testing.T) {
	pricing := Pricing{InputPerM: 2.50, CachedInputPerM: 1.25, OutputPerM: 10.0}

	tests := []struct {
		name     string
		usage    Usage
		expected float64
	}{
		{"zero usage", Usage{}, 0},
		{"input only", Usage{InputTokens: 1_000_000}, 2.50},
		{"cached discount", Usage{CachedInputTokens: 1_000_000}, 1.25},
		{"mixed", Usage{InputTokens: 100_000, CachedInputTokens: 200_000, OutputTokens: 50_000}, 0.25 + 0.25 + 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, pricing.Cost(tt.usage), 1e-9)
		})
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, CachedInputTokens: 5, OutputTokens: 3}
	u.Add(Usage{InputTokens: 1, CachedInputTokens: 2, OutputTokens: 4})
	assert.Equal(t, Usage{InputTokens: 11, CachedInputTokens: 7, OutputTokens: 7}, u)
}

func TestParseConversationResponse(t *testing.T) {
	t.Run("structured reply with profile", func(t *testing.T) {
		raw := `{"utterance": "Got it!", "profile": {"is_seeker": true, "is_provider": false, "matching_summary": "Backend dev, Go and Postgres"}}`
		resp, err := ParseConversationResponse(raw)
		require.NoError(t, err)
		assert.Equal(t, "Got it!", resp.Utterance)
		require.NotNil(t, resp.Profile)
		assert.True(t, resp.Profile.IsSeeker)
		assert.NoError(t, resp.Profile.Validate())
	})

	t.Run("fenced json", func(t *testing.T) {
		raw := "```json\n{\"utterance\": \"hello\"}\n```"
		resp, err := ParseConversationResponse(raw)
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Utterance)
		assert.Nil(t, resp.Profile)
	})

	t.Run("plain text degrades to utterance", func(t *testing.T) {
		resp, err := ParseConversationResponse("just words, no JSON")
		require.NoError(t, err)
		assert.Equal(t, "just words, no JSON", resp.Utterance)
	})

	t.Run("empty reply is an error", func(t *testing.T) {
		_, err := ParseConversationResponse("   ")
		assert.Error(t, err)
	})
}

func TestProfileDataValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile ProfileData
		ok      bool
	}{
		{"valid seeker", ProfileData{IsSeeker: true, MatchingSummary: "Go dev"}, true},
		{"valid provider", ProfileData{IsProvider: true, MatchingSummary: "Hiring Go devs"}, true},
		{"no role", ProfileData{MatchingSummary: "Go dev"}, false},
		{"empty summary", ProfileData{IsSeeker: true, MatchingSummary: "  "}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseMatchRationale(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		raw := `{"explanation": "Both work on distributed systems.", "key_alignments": ["Go", "Kubernetes"], "confidence_score": 0.85}`
		rationale, err := ParseMatchRationale(raw)
		require.NoError(t, err)
		assert.Equal(t, 0.85, rationale.ConfidenceScore)
		assert.Equal(t, "Both work on distributed systems.\n- Go\n- Kubernetes", rationale.Rendered())
	})

	t.Run("confidence clamped", func(t *testing.T) {
		rationale, err := ParseMatchRationale(`{"explanation": "x", "confidence_score": 1.7}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, rationale.ConfidenceScore)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseMatchRationale("nope")
		assert.Error(t, err)
	})
}
