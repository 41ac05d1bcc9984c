package server

import (
	"context"

	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/metrics"
)

// countingTransport wraps the Telegram channel so every successful user-facing
// send lands in the metrics.
type countingTransport struct {
	channel *telegram.Channel
	metrics *metrics.Metrics
}

func newCountingTransport(channel *telegram.Channel, m *metrics.Metrics) *countingTransport {
	return &countingTransport{channel: channel, metrics: m}
}

func (t *countingTransport) Send(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (int, error) {
	id, err := t.channel.Send(ctx, chatID, text, opts)
	if err == nil {
		t.metrics.OutboundSends.Inc()
	}
	return id, err
}

func (t *countingTransport) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	return t.channel.Edit(ctx, chatID, messageID, text)
}

func (t *countingTransport) Delete(ctx context.Context, chatID int64, messageID int) error {
	return t.channel.Delete(ctx, chatID, messageID)
}

func (t *countingTransport) Typing(ctx context.Context, chatID int64) {
	t.channel.Typing(ctx, chatID)
}
