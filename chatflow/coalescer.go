package chatflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

// Coalescer buffers inbound text until the scheduler runs a generation for the
// chat. Messages arriving while one is already queued are folded into the same
// prompt instead of producing more queue entries.
type Coalescer struct {
	store     *store.Store
	queue     Queue
	transport Transport

	now func() time.Time
}

// NewCoalescer creates a coalescer.
func NewCoalescer(st *store.Store, queue Queue, transport Transport) *Coalescer {
	return &Coalescer{store: st, queue: queue, transport: transport, now: time.Now}
}

// HandleText buffers one inbound message and makes sure exactly one pending
// generation exists for the chat.
func (c *Coalescer) HandleText(ctx context.Context, userID int64, text string) error {
	chat, err := c.store.GetOrCreateChat(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "failed to load chat")
	}

	// The append happens inside the driver so it cannot interleave with a
	// running generation consuming the prompt.
	if err := c.store.AppendUserPrompt(ctx, chat.ID, text); err != nil {
		return errors.Wrap(err, "failed to buffer prompt")
	}

	latest, err := c.store.LatestChatGeneration(ctx, chat.ID)
	if err == nil && latest.Status == store.GenerationPending {
		// The queued generation will pick the grown prompt up; no second
		// entry and no second status message.
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "failed to check queue")
	}

	generation, err := c.queue.EnqueueChat(ctx, chat.ID)
	if err != nil {
		return err
	}

	c.sendStatus(ctx, chat.ID, userID, generation.ScheduledFor)
	return nil
}

// sendStatus tells the user their message is queued. Best effort; the
// generation itself does not depend on it.
func (c *Coalescer) sendStatus(ctx context.Context, chatID, userID int64, scheduledFor time.Time) {
	eta := FormatETA(scheduledFor.Sub(c.now()))
	text := fmt.Sprintf("Got it. I'll reply %s.", eta)
	if eta != "soon" && eta != "shortly" {
		text = fmt.Sprintf("Got it. I'll reply in %s.", eta)
	}

	messageID, err := c.transport.Send(ctx, userID, text, nil)
	if err != nil {
		slog.Warn("chatflow: status message failed", "user_id", userID, "error", err)
		return
	}
	if _, err := c.store.UpdateChat(ctx, &store.UpdateChat{
		ID:                 chatID,
		StatusMessageID:    &messageID,
		SetStatusMessageID: true,
	}); err != nil {
		slog.Warn("chatflow: failed to record status message", "chat_id", chatID, "error", err)
	}
}
