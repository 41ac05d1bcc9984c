package server

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/store"
)

const welcomeText = "Hi! I'm a matchmaker for IT professionals. " +
	"Tell me about yourself and what kind of person you're looking for, " +
	"and I'll introduce you when I find a fit."

// router dispatches Telegram updates to the engines.
type router struct {
	s *Server
}

func newRouter(s *Server) *router {
	return &router{s: s}
}

func (r *router) run(ctx context.Context) {
	updates := r.s.channel.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			r.handle(ctx, update)
		}
	}
}

func (r *router) handle(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("router: handler panicked", "panic", rec)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		r.handleMessage(ctx, update.Message)
	}
}

func (r *router) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.From == nil {
		return
	}

	if msg.Chat.ID == r.s.Profile.AdminGroupID && r.s.Profile.AdminGroupID != 0 {
		if msg.IsCommand() && msg.Command() == "announce" {
			r.handleAnnounce(ctx, msg)
		}
		return
	}
	if !msg.Chat.IsPrivate() {
		return
	}

	userID := msg.From.ID
	if msg.IsCommand() {
		r.handleCommand(ctx, userID, msg)
		return
	}
	if msg.Text == "" {
		return
	}
	if err := r.s.coalescer.HandleText(ctx, userID, msg.Text); err != nil {
		slog.Error("router: inbound message failed", "user_id", userID, "error", err)
	}
}

func (r *router) handleCommand(ctx context.Context, userID int64, msg *tgbotapi.Message) {
	var err error
	switch msg.Command() {
	case "start":
		err = r.commandStart(ctx, userID)
	case "profile":
		err = r.commandProfile(ctx, userID)
	case "pause":
		err = r.commandSetState(ctx, userID, store.UserStatePaused,
			"Matching paused. Send /resume when you're ready again.")
	case "resume":
		err = r.commandResume(ctx, userID)
	case "reset":
		err = r.commandReset(ctx, userID)
	default:
		_, err = r.reply(ctx, userID, "I don't know that command. Just write to me like a person.")
	}
	if err != nil {
		slog.Error("router: command failed", "command", msg.Command(), "user_id", userID, "error", err)
	}
}

func (r *router) commandStart(ctx context.Context, userID int64) error {
	if _, err := r.s.Store.GetOrCreateUser(ctx, userID); err != nil {
		return err
	}
	_, err := r.reply(ctx, userID, welcomeText)
	return err
}

func (r *router) commandProfile(ctx context.Context, userID int64) error {
	user, err := r.s.Store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.MatchingSummary == "" {
		_, err = r.reply(ctx, userID, "No profile yet. Tell me about yourself first.")
		return err
	}
	opts := &telegram.SendOptions{
		Keyboard: telegram.NewActivateKeyboard(userID, "Start matching"),
	}
	_, err = r.s.channel.Send(ctx, userID,
		"Here is your current profile:\n\n"+user.DisplayProfile(), opts)
	return err
}

func (r *router) commandSetState(ctx context.Context, userID int64, state store.UserState, ack string) error {
	if _, err := r.s.Store.UpdateUser(ctx, &store.UpdateUser{TelegramID: userID, State: &state}); err != nil {
		return err
	}
	_, err := r.reply(ctx, userID, ack)
	return err
}

func (r *router) commandResume(ctx context.Context, userID int64) error {
	user, err := r.s.Store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Embedding == nil || !user.HasRole() {
		_, err = r.reply(ctx, userID, "Finish your profile first, then I can put you back in the pool.")
		return err
	}
	if err := r.commandSetState(ctx, userID, store.UserStateActive, "You're back in the matching pool."); err != nil {
		return err
	}
	r.s.engine.Restart()
	return nil
}

func (r *router) commandReset(ctx context.Context, userID int64) error {
	opts := &telegram.SendOptions{
		Keyboard: telegram.NewConfirmKeyboard(
			telegram.CallbackReset, userID, "Yes, wipe it", "Keep it"),
	}
	_, err := r.s.channel.Send(ctx, userID,
		"This erases your profile and our whole conversation. Sure?", opts)
	return err
}

func (r *router) handleAnnounce(ctx context.Context, msg *tgbotapi.Message) {
	text := msg.CommandArguments()
	sourceID := msg.MessageID
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.Text != "" {
		text = msg.ReplyToMessage.Text
		sourceID = msg.ReplyToMessage.MessageID
	}
	if text == "" {
		if err := r.s.channel.SendAdmin(ctx, 0, "Nothing to announce. Reply to a message or pass the text."); err != nil {
			slog.Warn("router: announce usage hint failed", "error", err)
		}
		return
	}
	if err := r.s.announcer.Prepare(ctx, msg.Chat.ID, sourceID, text); err != nil {
		slog.Error("router: announce failed", "error", err)
	}
}

func (r *router) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.From == nil {
		return
	}
	callback, err := telegram.ParseCallback(query.Data)
	if err != nil {
		slog.Warn("router: bad callback", "data", query.Data, "error", err)
		r.s.channel.AnswerCallback(ctx, query.ID, "")
		return
	}

	ack, err := r.dispatchCallback(ctx, query, callback)
	if err != nil {
		slog.Error("router: callback failed", "kind", callback.Kind, "error", err)
		ack = "Something went wrong, try again."
	}
	r.s.channel.AnswerCallback(ctx, query.ID, ack)
}

func (r *router) dispatchCallback(ctx context.Context, query *tgbotapi.CallbackQuery, callback *telegram.Callback) (string, error) {
	userID := query.From.ID

	switch callback.Kind {
	case telegram.CallbackMatch:
		return r.s.consent.Handle(ctx, userID, callback.ID, callback.Action == telegram.ActionAccept)

	case telegram.CallbackActivate:
		if callback.ID != userID {
			return "", errors.New("activation for another user")
		}
		return r.activate(ctx, userID)

	case telegram.CallbackReset:
		if callback.ID != userID {
			return "", errors.New("reset for another user")
		}
		if callback.Action == telegram.ActionCancel {
			return "Kept as is.", nil
		}
		if err := r.s.Store.ResetUser(ctx, userID); err != nil {
			return "", err
		}
		if _, err := r.reply(ctx, userID, "Clean slate. Tell me about yourself whenever you like."); err != nil {
			slog.Warn("router: reset notice failed", "user_id", userID, "error", err)
		}
		return "Profile erased.", nil

	case telegram.CallbackAnnouncement:
		if query.Message == nil || query.Message.Chat == nil ||
			query.Message.Chat.ID != r.s.Profile.AdminGroupID {
			return "", errors.New("announcement control outside admin group")
		}
		if callback.Action == telegram.ActionCancel {
			return r.s.announcer.Cancel(ctx, int(callback.ID))
		}
		return r.s.announcer.Confirm(ctx, int(callback.ID))

	default:
		return "", errors.Errorf("unhandled callback kind %q", callback.Kind)
	}
}

// activate puts a profiled user into the matching pool and pokes the engine.
func (r *router) activate(ctx context.Context, userID int64) (string, error) {
	user, err := r.s.Store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.Embedding == nil || !user.HasRole() {
		return "Your profile isn't complete yet.", nil
	}
	active := store.UserStateActive
	if _, err := r.s.Store.UpdateUser(ctx, &store.UpdateUser{TelegramID: userID, State: &active}); err != nil {
		return "", err
	}
	r.s.engine.Restart()
	return "You're in the matching pool.", nil
}

func (r *router) reply(ctx context.Context, userID int64, text string) (int, error) {
	return r.s.channel.Send(ctx, userID, text, nil)
}
