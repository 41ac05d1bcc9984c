package chatflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/ai/embedding"
	"github.com/devmatch/devmatch/ai/llm"
	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/store"
)

const (
	thinkingText = "Thinking..."
	failureText  = "Something went wrong while preparing the reply. Please try again."
)

// Runner executes one chat generation: consume the buffered prompt, call the
// agent, apply profile side effects and deliver the reply.
type Runner struct {
	store        *store.Store
	history      llm.Agent
	continuation llm.Agent
	embedder     embedding.Service
	transport    Transport
	mirror       AdminMirror
	profile      *profile.Profile

	now func() time.Time
}

// NewRunner creates a chat runner. continuation may be nil when the service
// runs in history mode; mirror may be nil when no admin group is configured.
func NewRunner(st *store.Store, history, continuation llm.Agent, embedder embedding.Service, transport Transport, mirror AdminMirror, p *profile.Profile) *Runner {
	return &Runner{
		store:        st,
		history:      history,
		continuation: continuation,
		embedder:     embedder,
		transport:    transport,
		mirror:       mirror,
		profile:      p,
		now:          time.Now,
	}
}

// Run executes a chat generation end to end.
func (r *Runner) Run(ctx context.Context, generation *store.Generation) error {
	chat, err := r.store.GetChat(ctx, *generation.ChatID)
	if err != nil {
		return errors.Wrapf(err, "failed to load chat %d", *generation.ChatID)
	}

	placeholder := r.claimPlaceholder(ctx, chat, generation)
	if placeholder != nil {
		if err := r.transport.Edit(ctx, chat.UserID, *placeholder, thinkingText); err != nil {
			slog.Warn("chatflow: placeholder edit failed", "chat_id", chat.ID, "error", err)
		}
	}
	r.transport.Typing(ctx, chat.UserID)

	prompt, err := r.store.ConsumeUserPrompt(ctx, chat.ID)
	if err != nil {
		// A started generation with nothing to say means the prompt was lost
		// or consumed twice. Internal bookkeeping, not the user's problem.
		slog.Error("chatflow: started generation has no prompt",
			"generation_id", generation.ID, "chat_id", chat.ID, "user_id", chat.UserID)
		return errors.Wrapf(err, "no prompt buffered for chat %d", chat.ID)
	}

	reply, err := r.generate(ctx, chat, prompt)
	if err != nil {
		r.notifyFailure(ctx, chat.UserID)
		return errors.Wrap(err, "agent call failed")
	}

	if _, err := r.store.UpdateGeneration(ctx, &store.UpdateGeneration{
		ID:                generation.ID,
		CachedInputTokens: &reply.Usage.CachedInputTokens,
		InputTokens:       &reply.Usage.InputTokens,
		OutputTokens:      &reply.Usage.OutputTokens,
		CostUSD:           &reply.CostUSD,
		ResponseID:        nonEmpty(reply.ResponseID),
	}); err != nil {
		slog.Error("chatflow: failed to record usage", "generation_id", generation.ID, "error", err)
	}

	response, err := llm.ParseConversationResponse(reply.Text)
	if err != nil {
		r.notifyFailure(ctx, chat.UserID)
		return errors.Wrap(err, "unusable agent reply")
	}

	if response.Profile != nil {
		if err := r.applyProfile(ctx, chat.UserID, response.Profile); err != nil {
			r.notifyFailure(ctx, chat.UserID)
			return errors.Wrap(err, "profile rejected")
		}
	}

	r.deliver(ctx, chat, placeholder, response.Utterance)

	assistant, _ := json.Marshal(response)
	if err := r.store.AppendChatHistory(ctx, chat.ID,
		store.Message{Role: store.RoleUser, Content: prompt},
		store.Message{Role: store.RoleAssistant, Content: string(assistant)},
	); err != nil {
		slog.Error("chatflow: failed to append history", "chat_id", chat.ID, "error", err)
	}

	if r.profile.AgentMode == profile.AgentModeContinuation && reply.ResponseID != "" {
		token := reply.ResponseID
		if _, err := r.store.UpdateChat(ctx, &store.UpdateChat{
			ID:                   chat.ID,
			ContinuationToken:    &token,
			SetContinuationToken: true,
		}); err != nil {
			slog.Error("chatflow: failed to store continuation token", "chat_id", chat.ID, "error", err)
		}
	}

	if r.mirror != nil {
		r.mirror.Mirror(ctx, chat, "user", prompt)
		r.mirror.Mirror(ctx, chat, "bot", response.Utterance)
	}
	return nil
}

// claimPlaceholder moves the chat's status message onto the generation so the
// reply can reuse it. A second queued status message can then never leak.
func (r *Runner) claimPlaceholder(ctx context.Context, chat *store.Chat, generation *store.Generation) *int {
	if chat.StatusMessageID == nil {
		return generation.PlaceholderMessageID
	}
	id := chat.StatusMessageID
	if _, err := r.store.UpdateGeneration(ctx, &store.UpdateGeneration{
		ID:                      generation.ID,
		PlaceholderMessageID:    id,
		SetPlaceholderMessageID: true,
	}); err != nil {
		slog.Warn("chatflow: failed to transfer placeholder", "generation_id", generation.ID, "error", err)
	}
	if _, err := r.store.UpdateChat(ctx, &store.UpdateChat{
		ID:                 chat.ID,
		StatusMessageID:    nil,
		SetStatusMessageID: true,
	}); err != nil {
		slog.Warn("chatflow: failed to clear status message", "chat_id", chat.ID, "error", err)
	}
	return id
}

// generate calls the configured agent. In continuation mode an expired token
// is cleared and the same turn retried once through the history agent, which
// resends the stored conversation so no context is lost.
func (r *Runner) generate(ctx context.Context, chat *store.Chat, prompt string) (*llm.Reply, error) {
	turn := &llm.Turn{
		System:   profilerSystemPrompt(r.profile.Locale),
		Prompt:   prompt,
		History:  chat.History,
		CacheKey: fmt.Sprintf("chat-%d", chat.ID),
	}

	if r.profile.AgentMode != profile.AgentModeContinuation || r.continuation == nil {
		return r.history.Generate(ctx, turn)
	}

	turn.ContinuationToken = chat.ContinuationToken
	reply, err := r.continuation.Generate(ctx, turn)
	if !errors.Is(err, llm.ErrContinuationExpired) {
		return reply, err
	}

	slog.Info("chatflow: continuation expired, restarting thread", "chat_id", chat.ID)
	if _, err := r.store.UpdateChat(ctx, &store.UpdateChat{
		ID:                   chat.ID,
		ContinuationToken:    nil,
		SetContinuationToken: true,
	}); err != nil {
		slog.Error("chatflow: failed to clear continuation token", "chat_id", chat.ID, "error", err)
	}
	turn.ContinuationToken = nil
	return r.history.Generate(ctx, turn)
}

// applyProfile persists an extracted profile. The embedding is regenerated
// only when the matching summary actually changed.
func (r *Runner) applyProfile(ctx context.Context, userID int64, data *llm.ProfileData) error {
	if err := data.Validate(); err != nil {
		return err
	}

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "failed to load user")
	}

	now := r.now().UTC()
	version := store.CurrentProfilerVersion
	update := &store.UpdateUser{
		TelegramID:          userID,
		IsSeeker:            &data.IsSeeker,
		IsProvider:          &data.IsProvider,
		MatchingSummary:     &data.MatchingSummary,
		PracticalContext:    &data.PracticalContext,
		PrivateObservations: &data.PrivateObservations,
		ProfilerVersion:     &version,
		ProfileUpdatedAt:    &now,
	}

	if data.MatchingSummary != user.MatchingSummary || user.Embedding == nil {
		vector, err := r.embedder.Embed(ctx, data.MatchingSummary)
		if err != nil {
			return errors.Wrap(err, "failed to embed matching summary")
		}
		update.Embedding = vector
	}

	switch user.State {
	case store.UserStateOnboarding:
		state := store.UserStateReady
		update.State = &state
	case store.UserStateActive, store.UserStateUpdated:
		// An updated profile leaves the matching pool until reactivated.
		state := store.UserStateUpdated
		update.State = &state
	}

	updated, err := r.store.UpdateUser(ctx, update)
	if err != nil {
		return errors.Wrap(err, "failed to save profile")
	}

	r.sendProfileCard(ctx, updated)
	return nil
}

// sendProfileCard shows the user their stored profile with the activation
// button. Private observations stay private.
func (r *Runner) sendProfileCard(ctx context.Context, user *store.User) {
	text := "Here is your current profile:\n\n" + user.DisplayProfile() +
		"\n\nPress the button below to enter the matching pool."
	opts := &telegram.SendOptions{
		Keyboard: telegram.NewActivateKeyboard(user.TelegramID, "Start matching"),
	}
	if _, err := r.transport.Send(ctx, user.TelegramID, text, opts); err != nil {
		slog.Warn("chatflow: profile card failed", "user_id", user.TelegramID, "error", err)
	}
}

// deliver places the reply in the chat. When the user kept typing while the
// generation ran, the placeholder is edited in place so the reply lands above
// the newer exchange; otherwise the placeholder is dropped and the reply sent
// fresh.
func (r *Runner) deliver(ctx context.Context, chat *store.Chat, placeholder *int, text string) {
	fresh, err := r.store.GetChat(ctx, chat.ID)
	morePending := err == nil && fresh.UserPrompt != nil

	if placeholder != nil {
		if morePending {
			if err := r.transport.Edit(ctx, chat.UserID, *placeholder, text); err == nil {
				return
			}
			slog.Warn("chatflow: reply edit failed, sending fresh", "chat_id", chat.ID)
		} else {
			if err := r.transport.Delete(ctx, chat.UserID, *placeholder); err != nil {
				slog.Warn("chatflow: placeholder delete failed", "chat_id", chat.ID)
			}
		}
	}

	if _, err := r.transport.Send(ctx, chat.UserID, text, nil); err != nil {
		slog.Error("chatflow: reply send failed", "chat_id", chat.ID, "error", err)
	}
}

func (r *Runner) notifyFailure(ctx context.Context, userID int64) {
	if _, err := r.transport.Send(ctx, userID, failureText, nil); err != nil {
		slog.Warn("chatflow: failure notice not delivered", "user_id", userID, "error", err)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
