// Package telegram adapts the Telegram Bot API for the matchmaking service.
package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

// ErrSend marks outbound transport failures. Send errors to users are logged
// by callers but never fatal to the engines.
var ErrSend = errors.New("telegram send failed")

// Channel is the chat transport used by all engines. Every outbound call
// funnels through the rate gates.
type Channel struct {
	bot          *tgbotapi.BotAPI
	gates        *Gates
	adminGroupID int64
}

// SendOptions are the optional parts of an outbound message.
type SendOptions struct {
	ReplyTo   int
	ParseMode string
	Keyboard  *tgbotapi.InlineKeyboardMarkup
}

// NewChannel creates a Telegram channel.
func NewChannel(botToken string, adminGroupID int64, gates *Gates) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}
	return &Channel{bot: bot, gates: gates, adminGroupID: adminGroupID}, nil
}

// Updates starts long polling and returns the inbound update channel.
func (c *Channel) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	return c.bot.GetUpdatesChan(u)
}

// Stop terminates the long-poll loop.
func (c *Channel) Stop() {
	c.bot.StopReceivingUpdates()
}

// Send delivers a text message to a direct chat and returns its message id.
func (c *Channel) Send(ctx context.Context, chatID int64, text string, opts *SendOptions) (int, error) {
	if err := c.gates.WaitChat(ctx, chatID); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if opts != nil {
		if opts.ReplyTo != 0 {
			msg.ReplyToMessageID = opts.ReplyTo
		}
		if opts.ParseMode != "" {
			msg.ParseMode = opts.ParseMode
		}
		if opts.Keyboard != nil {
			msg.ReplyMarkup = *opts.Keyboard
		}
	}

	sent, err := c.send(ctx, msg)
	if err != nil {
		return 0, errors.Wrapf(ErrSend, "send to %d: %v", chatID, err)
	}
	return sent.MessageID, nil
}

// Edit replaces the text of a previously sent message.
func (c *Channel) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := c.gates.WaitChat(ctx, chatID); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := c.send(ctx, edit); err != nil {
		return errors.Wrapf(ErrSend, "edit %d/%d: %v", chatID, messageID, err)
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Channel) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := c.gates.WaitChat(ctx, chatID); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return errors.Wrapf(ErrSend, "delete %d/%d: %v", chatID, messageID, err)
	}
	return nil
}

// Typing sends the typing chat action. Best effort; failures only warn.
func (c *Channel) Typing(ctx context.Context, chatID int64) {
	if err := c.gates.WaitChat(ctx, chatID); err != nil {
		return
	}
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Warn("telegram: typing action failed", "chat_id", chatID, "error", err)
	}
}

// AnswerCallback acknowledges a callback query so the button stops spinning.
func (c *Channel) AnswerCallback(ctx context.Context, callbackID, text string) {
	if _, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("telegram: answer callback failed", "error", err)
	}
}

// CreateAdminThread creates a forum topic in the admin group and returns its
// thread id. The installed API wrapper predates forum topics, so this goes
// through MakeRequest.
func (c *Channel) CreateAdminThread(ctx context.Context, name string) (int, error) {
	if err := c.gates.WaitAdmin(ctx); err != nil {
		return 0, err
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", c.adminGroupID)
	params["name"] = name

	resp, err := c.bot.MakeRequest("createForumTopic", params)
	if err != nil {
		return 0, errors.Wrapf(ErrSend, "create admin thread: %v", err)
	}

	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return 0, errors.Wrap(err, "failed to decode forum topic")
	}
	return topic.MessageThreadID, nil
}

// SendAdmin posts into an admin-group thread. Thread id zero posts to the
// group's general topic.
func (c *Channel) SendAdmin(ctx context.Context, threadID int, text string) error {
	if err := c.gates.WaitAdmin(ctx); err != nil {
		return err
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", c.adminGroupID)
	params.AddNonZero("message_thread_id", threadID)
	params["text"] = text

	if _, err := c.bot.MakeRequest("sendMessage", params); err != nil {
		return errors.Wrapf(ErrSend, "admin post: %v", err)
	}
	return nil
}

// send submits a chattable, retrying once when Telegram reports a flood wait.
func (c *Channel) send(ctx context.Context, chattable tgbotapi.Chattable) (tgbotapi.Message, error) {
	sent, err := c.bot.Send(chattable)
	if retryAfter := floodWait(err); retryAfter > 0 {
		slog.Warn("telegram: flood wait, retrying", "retry_after_s", retryAfter)
		select {
		case <-time.After(time.Duration(retryAfter) * time.Second):
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		}
		sent, err = c.bot.Send(chattable)
	}
	return sent, err
}

func floodWait(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return 0
}

// NewConsentKeyboard builds the accept/reject keyboard for a match intro.
func NewConsentKeyboard(matchID int64, acceptLabel, rejectLabel string) *tgbotapi.InlineKeyboardMarkup {
	accept := Callback{Kind: CallbackMatch, Action: ActionAccept, ID: matchID}
	reject := Callback{Kind: CallbackMatch, Action: ActionReject, ID: matchID}
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(acceptLabel, accept.Token()),
			tgbotapi.NewInlineKeyboardButtonData(rejectLabel, reject.Token()),
		),
	)
	return &kb
}

// NewConfirmKeyboard builds a confirm/cancel keyboard for the given family.
func NewConfirmKeyboard(kind CallbackKind, id int64, confirmLabel, cancelLabel string) *tgbotapi.InlineKeyboardMarkup {
	confirm := Callback{Kind: kind, Action: ActionConfirm, ID: id}
	cancel := Callback{Kind: kind, Action: ActionCancel, ID: id}
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(confirmLabel, confirm.Token()),
			tgbotapi.NewInlineKeyboardButtonData(cancelLabel, cancel.Token()),
		),
	)
	return &kb
}

// NewActivateKeyboard builds the single-button profile activation keyboard.
func NewActivateKeyboard(telegramID int64, label string) *tgbotapi.InlineKeyboardMarkup {
	activate := Callback{Kind: CallbackActivate, ID: telegramID}
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, activate.Token()),
		),
	)
	return &kb
}
