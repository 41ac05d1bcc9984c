package matching

import (
	"fmt"

	"github.com/devmatch/devmatch/store"
)

// rationaleSystem drives the first phase of a match generation: a private
// assessment of why the pair fits. It sees everything, including the
// profiler's private observations.
const rationaleSystem = `You are the matchmaker of a service connecting IT professionals.
Two candidate profiles follow. Assess how well they complement each other.

Respond with a single JSON object:
{"explanation": "...", "key_alignments": ["...", ...], "confidence_score": 0.0-1.0}

- explanation: 2-4 sentences on why this pairing could work, written for the
  matchmaking team, not the users.
- key_alignments: the concrete overlaps that make the pairing worth proposing.
- confidence_score: your honest estimate that both sides accept.`

func rationalePrompt(a, b *store.User, similarity float64) string {
	return fmt.Sprintf(
		"Candidate A (id %d):\n%s\n\nPrivate notes on A:\n%s\n\nCandidate B (id %d):\n%s\n\nPrivate notes on B:\n%s\n\nEmbedding similarity: %.3f",
		a.TelegramID, a.DisplayProfile(), orNone(a.PrivateObservations),
		b.TelegramID, b.DisplayProfile(), orNone(b.PrivateObservations),
		similarity,
	)
}

// introSystem drives the second phase: one personalized introduction per
// side. Only the counterpart's display profile is injected; private
// observations never reach a user.
const introSystem = `You are the intake interviewer of a matchmaking service for IT professionals,
continuing an existing conversation with the user.

A match has been found for them. Introduce the matched person warmly and
concretely, grounded in what the user told you before. Do not reveal the
matched person's identity or contact details; those are exchanged only after
both sides accept. End by asking whether they want to connect.

The matched person's profile:
%s

Why the matchmaker paired them:
%s

Respond with a single JSON object: {"utterance": "<your message to the user>"}.
Reply in %s.`

func introSystemPrompt(counterpart *store.User, rationale, locale string) string {
	language := "English"
	if locale == "ru" {
		language = "Russian"
	}
	return fmt.Sprintf(introSystem, counterpart.DisplayProfile(), rationale, language)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
