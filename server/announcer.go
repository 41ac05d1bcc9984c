package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/chatflow"
	"github.com/devmatch/devmatch/store"
)

// announcementStates selects who receives a broadcast. Onboarding users have
// not finished a single profile exchange and paused users opted out, so both
// are left alone.
var announcementStates = []store.UserState{
	store.UserStateReady,
	store.UserStateActive,
	store.UserStateUpdated,
}

// Announcer prepares and delivers admin broadcasts. The recipient list is
// snapshotted into a user group at confirmation time, so late signups do not
// change who a confirmed announcement reaches.
type Announcer struct {
	store     *store.Store
	channel   *telegram.Channel
	transport chatflow.Transport
}

// NewAnnouncer creates the announcer.
func NewAnnouncer(st *store.Store, channel *telegram.Channel, transport chatflow.Transport) *Announcer {
	return &Announcer{store: st, channel: channel, transport: transport}
}

// Prepare registers a draft announcement and asks the admin group for
// confirmation. sourceMessageID deduplicates repeated /announce commands for
// the same message.
func (a *Announcer) Prepare(ctx context.Context, adminGroupID int64, sourceMessageID int, text string) error {
	announcement, err := a.store.CreateAnnouncement(ctx, &store.Announcement{
		SourceMessageID: sourceMessageID,
		Text:            text,
		Status:          store.AnnouncementPending,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create announcement")
	}

	recipients, err := a.store.ListUsersByStates(ctx, announcementStates)
	if err != nil {
		return errors.Wrap(err, "failed to count recipients")
	}

	prompt := fmt.Sprintf("Broadcast to %d users?\n\n%s", len(recipients), announcement.Text)
	opts := &telegram.SendOptions{
		Keyboard: telegram.NewConfirmKeyboard(
			telegram.CallbackAnnouncement, int64(sourceMessageID), "Send it", "Cancel"),
	}
	if _, err := a.channel.Send(ctx, adminGroupID, prompt, opts); err != nil {
		return err
	}
	return nil
}

// Confirm snapshots the recipients and runs the broadcast. Individual send
// failures are counted, not fatal.
func (a *Announcer) Confirm(ctx context.Context, sourceMessageID int) (string, error) {
	announcement, err := a.store.GetAnnouncementBySource(ctx, sourceMessageID)
	if err != nil {
		return "", errors.Wrap(err, "announcement not found")
	}
	if announcement.Status != store.AnnouncementPending {
		return fmt.Sprintf("Already %s.", announcement.Status), nil
	}

	recipients, err := a.store.ListUsersByStates(ctx, announcementStates)
	if err != nil {
		return "", errors.Wrap(err, "failed to list recipients")
	}
	memberIDs := make([]int64, 0, len(recipients))
	for _, u := range recipients {
		memberIDs = append(memberIDs, u.TelegramID)
	}

	group, err := a.store.CreateUserGroup(ctx,
		fmt.Sprintf("announcement-%d-%s", sourceMessageID, uuid.NewString()[:8]),
		memberIDs)
	if err != nil {
		return "", errors.Wrap(err, "failed to snapshot recipients")
	}
	if err := a.store.UpdateAnnouncementStatus(ctx, announcement.ID, store.AnnouncementSending, &group.ID); err != nil {
		return "", errors.Wrap(err, "failed to mark sending")
	}

	delivered, failed := 0, 0
	for _, id := range memberIDs {
		if _, err := a.transport.Send(ctx, id, announcement.Text, nil); err != nil {
			failed++
			slog.Warn("announcer: delivery failed", "user_id", id, "error", err)
			continue
		}
		delivered++
	}

	final := store.AnnouncementSent
	if delivered == 0 && failed > 0 {
		final = store.AnnouncementFailed
	}
	if err := a.store.UpdateAnnouncementStatus(ctx, announcement.ID, final, nil); err != nil {
		slog.Error("announcer: failed to record outcome", "announcement_id", announcement.ID, "error", err)
	}

	slog.Info("announcer: broadcast finished",
		"announcement_id", announcement.ID, "delivered", delivered, "failed", failed)
	return fmt.Sprintf("Delivered to %d users, %d failed.", delivered, failed), nil
}

// Cancel discards a draft announcement.
func (a *Announcer) Cancel(ctx context.Context, sourceMessageID int) (string, error) {
	announcement, err := a.store.GetAnnouncementBySource(ctx, sourceMessageID)
	if err != nil {
		return "", errors.Wrap(err, "announcement not found")
	}
	if announcement.Status != store.AnnouncementPending {
		return fmt.Sprintf("Already %s.", announcement.Status), nil
	}
	if err := a.store.UpdateAnnouncementStatus(ctx, announcement.ID, store.AnnouncementFailed, nil); err != nil {
		return "", errors.Wrap(err, "failed to cancel announcement")
	}
	return "Cancelled.", nil
}
