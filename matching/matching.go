// Package matching pairs active users round-robin by embedding similarity and
// walks each pair through the mutual-consent handshake.
package matching

import (
	"context"

	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/store"
)

// Transport is the outbound messaging surface the matching flow needs.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (int, error)
}

// Queue schedules match generations.
type Queue interface {
	EnqueueMatch(ctx context.Context, matchID int64) (*store.Generation, error)
}
