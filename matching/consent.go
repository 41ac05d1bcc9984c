package matching

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/metrics"
	"github.com/devmatch/devmatch/store"
)

// Consent applies accept/reject decisions to the handshake state machine.
type Consent struct {
	store     *store.Store
	transport Transport
	metrics   *metrics.Metrics
	engine    *Engine
}

// NewConsent creates the consent handler.
func NewConsent(st *store.Store, transport Transport, m *metrics.Metrics, engine *Engine) *Consent {
	return &Consent{store: st, transport: transport, metrics: m, engine: engine}
}

// Handle applies one decision and returns the short acknowledgement shown on
// the button press. Every state change unblocks matching, so the engine is
// poked afterwards.
func (c *Consent) Handle(ctx context.Context, userID, matchID int64, accept bool) (string, error) {
	match, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to load match %d", matchID)
	}
	if match.UserBID == nil {
		return "", errors.Errorf("match %d has no counterpart", matchID)
	}

	isA := match.UserAID == userID
	isB := *match.UserBID == userID
	if !isA && !isB {
		return "", errors.Errorf("user %d is not part of match %d", userID, matchID)
	}

	defer c.engine.Restart()

	if !accept {
		return c.reject(ctx, match, isA)
	}
	return c.accept(ctx, match, isA)
}

func (c *Consent) reject(ctx context.Context, match *store.Match, byA bool) (string, error) {
	switch match.Status {
	case store.MatchConnected:
		return "You are already connected.", nil
	case store.MatchRejected, store.MatchDisqualified:
		return "This match is already closed.", nil
	}

	counterpartAccepted := (byA && match.Status == store.MatchBAccepted) ||
		(!byA && match.Status == store.MatchAAccepted)

	rejected := store.MatchRejected
	if _, err := c.store.UpdateMatch(ctx, &store.UpdateMatch{ID: match.ID, Status: &rejected}); err != nil {
		return "", errors.Wrap(err, "failed to reject match")
	}
	c.metrics.MatchesRejected.Inc()
	slog.Info("matching: match rejected", "match_id", match.ID)

	// The counterpart only hears about it when they were already waiting.
	if counterpartAccepted {
		other := match.UserAID
		if byA {
			other = *match.UserBID
		}
		if _, err := c.transport.Send(ctx, other,
			"This introduction didn't work out. The search continues.", nil); err != nil {
			slog.Warn("matching: rejection notice failed", "user_id", other, "error", err)
		}
	}
	return "Noted, you won't be connected.", nil
}

func (c *Consent) accept(ctx context.Context, match *store.Match, byA bool) (string, error) {
	switch match.Status {
	case store.MatchPending, store.MatchQualified:
		next := store.MatchAAccepted
		if !byA {
			next = store.MatchBAccepted
		}
		if _, err := c.store.UpdateMatch(ctx, &store.UpdateMatch{ID: match.ID, Status: &next}); err != nil {
			return "", errors.Wrap(err, "failed to record acceptance")
		}
		return "Recorded. Waiting for the other side.", nil

	case store.MatchAAccepted:
		if byA {
			return "Recorded. Waiting for the other side.", nil
		}
		return c.connect(ctx, match)

	case store.MatchBAccepted:
		if !byA {
			return "Recorded. Waiting for the other side.", nil
		}
		return c.connect(ctx, match)

	case store.MatchConnected:
		return "You are already connected.", nil

	default:
		return "This match is already closed.", nil
	}
}

// connect finalizes a mutual acceptance: both sides get the other's display
// profile and a direct contact link.
func (c *Consent) connect(ctx context.Context, match *store.Match) (string, error) {
	connected := store.MatchConnected
	if _, err := c.store.UpdateMatch(ctx, &store.UpdateMatch{ID: match.ID, Status: &connected}); err != nil {
		return "", errors.Wrap(err, "failed to connect match")
	}
	c.metrics.MatchesConnected.Inc()
	slog.Info("matching: match connected", "match_id", match.ID)

	userA, err := c.store.GetUser(ctx, match.UserAID)
	if err != nil {
		return "", errors.Wrap(err, "failed to load user A")
	}
	userB, err := c.store.GetUser(ctx, *match.UserBID)
	if err != nil {
		return "", errors.Wrap(err, "failed to load user B")
	}

	for _, side := range []struct {
		to, about *store.User
	}{{userA, userB}, {userB, userA}} {
		text := fmt.Sprintf(
			"It's mutual! Here is who you are connected with:\n\n%s\n\nReach out directly: tg://user?id=%d",
			side.about.DisplayProfile(), side.about.TelegramID,
		)
		if _, err := c.transport.Send(ctx, side.to.TelegramID, text, nil); err != nil {
			slog.Error("matching: contact exchange failed", "user_id", side.to.TelegramID, "error", err)
		}
	}
	return "It's mutual! Check the chat.", nil
}
