package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/ai/llm"
	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/store"
)

// Runner executes one match generation in two phases: a private rationale for
// the pairing, then a personalized introduction with a consent keyboard for
// each side.
type Runner struct {
	store     *store.Store
	agent     llm.Agent
	transport Transport
	engine    *Engine
	locale    string
}

// NewRunner creates a match runner.
func NewRunner(st *store.Store, agent llm.Agent, transport Transport, engine *Engine, locale string) *Runner {
	return &Runner{store: st, agent: agent, transport: transport, engine: engine, locale: locale}
}

// Run executes a match generation. The engine resumes afterwards whatever the
// outcome; a failed generation must not stall matching forever.
func (r *Runner) Run(ctx context.Context, generation *store.Generation) (err error) {
	defer r.engine.Restart()

	match, err := r.store.GetMatch(ctx, *generation.MatchID)
	if err != nil {
		return errors.Wrapf(err, "failed to load match %d", *generation.MatchID)
	}
	if match.UserBID == nil {
		return errors.Errorf("match %d is a participation record", match.ID)
	}
	userA, err := r.store.GetUser(ctx, match.UserAID)
	if err != nil {
		return errors.Wrap(err, "failed to load user A")
	}
	userB, err := r.store.GetUser(ctx, *match.UserBID)
	if err != nil {
		return errors.Wrap(err, "failed to load user B")
	}

	var usage llm.Usage
	var cost float64
	defer func() {
		if _, uerr := r.store.UpdateGeneration(ctx, &store.UpdateGeneration{
			ID:                generation.ID,
			CachedInputTokens: &usage.CachedInputTokens,
			InputTokens:       &usage.InputTokens,
			OutputTokens:      &usage.OutputTokens,
			CostUSD:           &cost,
		}); uerr != nil {
			slog.Error("matching: failed to record usage", "generation_id", generation.ID, "error", uerr)
		}
	}()

	rationale, reply, err := r.assess(ctx, match, userA, userB)
	if err != nil {
		return err
	}
	usage.Add(reply.Usage)
	cost += reply.CostUSD

	rendered := rationale.Rendered()
	if _, err := r.store.UpdateMatch(ctx, &store.UpdateMatch{
		ID:             match.ID,
		MatchRationale: &rendered,
	}); err != nil {
		return errors.Wrap(err, "failed to store rationale")
	}

	for _, side := range []struct {
		user, counterpart *store.User
	}{{userA, userB}, {userB, userA}} {
		introReply, err := r.introduce(ctx, match, side.user, side.counterpart, rationale.Explanation)
		if err != nil {
			return errors.Wrapf(err, "failed to introduce match %d to user %d", match.ID, side.user.TelegramID)
		}
		usage.Add(introReply.Usage)
		cost += introReply.CostUSD
	}

	qualified := store.MatchQualified
	if _, err := r.store.UpdateMatch(ctx, &store.UpdateMatch{ID: match.ID, Status: &qualified}); err != nil {
		return errors.Wrap(err, "failed to qualify match")
	}
	slog.Info("matching: introductions delivered", "match_id", match.ID)
	return nil
}

func (r *Runner) assess(ctx context.Context, match *store.Match, a, b *store.User) (*llm.MatchRationale, *llm.Reply, error) {
	reply, err := r.agent.Generate(ctx, &llm.Turn{
		System:   rationaleSystem,
		Prompt:   rationalePrompt(a, b, match.SimilarityScore),
		CacheKey: fmt.Sprintf("match-%d", match.ID),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "rationale call failed")
	}
	rationale, err := llm.ParseMatchRationale(reply.Text)
	if err != nil {
		return nil, nil, err
	}
	return rationale, reply, nil
}

// introduce runs the chat agent once for one side, grounded in that side's
// conversation history, and delivers the utterance with the consent keyboard.
func (r *Runner) introduce(ctx context.Context, match *store.Match, user, counterpart *store.User, rationale string) (*llm.Reply, error) {
	chat, err := r.store.GetOrCreateChat(ctx, user.TelegramID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load chat")
	}

	reply, err := r.agent.Generate(ctx, &llm.Turn{
		System:   introSystemPrompt(counterpart, rationale, r.locale),
		Prompt:   "Introduce the match to the user now.",
		History:  chat.History,
		CacheKey: fmt.Sprintf("chat-%d", chat.ID),
	})
	if err != nil {
		return nil, errors.Wrap(err, "intro call failed")
	}
	response, err := llm.ParseConversationResponse(reply.Text)
	if err != nil {
		return nil, err
	}

	opts := &telegram.SendOptions{
		Keyboard: telegram.NewConsentKeyboard(match.ID, "Connect", "Pass"),
	}
	if _, err := r.transport.Send(ctx, user.TelegramID, response.Utterance, opts); err != nil {
		return nil, err
	}

	assistant, _ := json.Marshal(response)
	if err := r.store.AppendChatHistory(ctx, chat.ID,
		store.Message{Role: store.RoleAssistant, Content: string(assistant)},
	); err != nil {
		slog.Error("matching: failed to append intro to history", "chat_id", chat.ID, "error", err)
	}
	return reply, nil
}
