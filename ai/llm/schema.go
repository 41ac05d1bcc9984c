package llm

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ProfileData is the structured profile the agent extracts from conversation.
type ProfileData struct {
	IsSeeker            bool   `json:"is_seeker"`
	IsProvider          bool   `json:"is_provider"`
	MatchingSummary     string `json:"matching_summary"`
	PracticalContext    string `json:"practical_context,omitempty"`
	PrivateObservations string `json:"private_observations,omitempty"`
}

// Validate enforces the profile invariants before any side effect runs.
func (p *ProfileData) Validate() error {
	if strings.TrimSpace(p.MatchingSummary) == "" {
		return errors.New("profile has an empty matching summary")
	}
	if !p.IsSeeker && !p.IsProvider {
		return errors.New("profile has no role set")
	}
	return nil
}

// ConversationResponse is the agent output for a chat turn.
type ConversationResponse struct {
	Utterance string       `json:"utterance"`
	Profile   *ProfileData `json:"profile,omitempty"`
}

// MatchRationale is the agent output for the first phase of a match generation.
type MatchRationale struct {
	Explanation     string   `json:"explanation"`
	KeyAlignments   []string `json:"key_alignments"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Rendered flattens the rationale into the text stored on the match.
func (r *MatchRationale) Rendered() string {
	var b strings.Builder
	b.WriteString(r.Explanation)
	for _, a := range r.KeyAlignments {
		b.WriteString("\n- ")
		b.WriteString(a)
	}
	return b.String()
}

// ParseConversationResponse decodes a chat-turn reply. Raw model text that is
// not valid JSON is treated as a plain utterance, so a drifting model degrades
// to a working conversation instead of a failed generation.
func ParseConversationResponse(raw string) (*ConversationResponse, error) {
	raw = stripCodeFence(raw)
	var resp ConversationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		if strings.TrimSpace(raw) == "" {
			return nil, errors.New("empty agent reply")
		}
		return &ConversationResponse{Utterance: raw}, nil
	}
	if resp.Utterance == "" {
		return nil, errors.New("agent reply has no utterance")
	}
	return &resp, nil
}

// ParseMatchRationale decodes the rationale phase output.
func ParseMatchRationale(raw string) (*MatchRationale, error) {
	raw = stripCodeFence(raw)
	var rationale MatchRationale
	if err := json.Unmarshal([]byte(raw), &rationale); err != nil {
		return nil, errors.Wrap(err, "failed to parse match rationale")
	}
	if rationale.Explanation == "" {
		return nil, errors.New("rationale has no explanation")
	}
	if rationale.ConfidenceScore < 0 {
		rationale.ConfidenceScore = 0
	}
	if rationale.ConfidenceScore > 1 {
		rationale.ConfidenceScore = 1
	}
	return &rationale, nil
}

// stripCodeFence removes a markdown ```json fence some models wrap around
// structured output.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
