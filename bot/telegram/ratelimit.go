package telegram

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Gate intervals. Telegram allows ~30 messages/second overall, one message
// per second per direct chat, and throttles group posts harder.
const (
	globalSendsPerSecond = 30
	perChatInterval      = 1.0 // seconds
	adminInterval        = 3.0 // seconds
)

// Gates are the single-process outbound throttlers. Every send acquires the
// specific gate first, then the global one, so acquisition order is
// deterministic and delays compose instead of racing.
type Gates struct {
	global *rate.Limiter
	admin  *rate.Limiter

	mu    sync.Mutex
	chats map[int64]*rate.Limiter
}

// NewGates creates the three gates at their default intervals.
func NewGates() *Gates {
	return &Gates{
		global: rate.NewLimiter(rate.Limit(globalSendsPerSecond), 1),
		admin:  rate.NewLimiter(rate.Limit(1/adminInterval), 1),
		chats:  make(map[int64]*rate.Limiter),
	}
}

func (g *Gates) chatLimiter(chatID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.chats[chatID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1/perChatInterval), 1)
		g.chats[chatID] = limiter
	}
	return limiter
}

// WaitChat blocks until a send to the given direct chat may proceed.
func (g *Gates) WaitChat(ctx context.Context, chatID int64) error {
	if err := g.chatLimiter(chatID).Wait(ctx); err != nil {
		return err
	}
	return g.global.Wait(ctx)
}

// WaitAdmin blocks until a post to the admin group may proceed.
func (g *Gates) WaitAdmin(ctx context.Context) error {
	if err := g.admin.Wait(ctx); err != nil {
		return err
	}
	return g.global.Wait(ctx)
}
