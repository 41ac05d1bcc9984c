// Package chatflow turns inbound user messages into scheduled generations and
// delivers the agent's replies.
package chatflow

import (
	"context"

	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/store"
)

// Transport is the outbound messaging surface the chat flow needs.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	Typing(ctx context.Context, chatID int64)
}

// Queue schedules generations.
type Queue interface {
	EnqueueChat(ctx context.Context, chatID int64) (*store.Generation, error)
}

// AdminMirror forwards conversation traffic to the admin channel. Mirroring is
// always best effort.
type AdminMirror interface {
	Mirror(ctx context.Context, chat *store.Chat, who, text string)
}
