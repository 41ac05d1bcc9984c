package matching

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/metrics"
	"github.com/devmatch/devmatch/store"
)

// Engine walks the matching rounds. Within a round every eligible user gets at
// most one turn as the probing side; a pair found stops the loop until the
// match generation has run, so match work stays serialized with chat work.
type Engine struct {
	store   *store.Store
	queue   Queue
	metrics *metrics.Metrics

	threshold     float64
	maxCandidates int
	retryInterval time.Duration

	mu           sync.Mutex
	ctx          context.Context
	running      bool
	round        int
	sleptInRound bool

	wake chan struct{}
}

// NewEngine creates a matching engine.
func NewEngine(st *store.Store, queue Queue, m *metrics.Metrics, threshold float64, maxCandidates int, retryInterval time.Duration) *Engine {
	return &Engine{
		store:         st,
		queue:         queue,
		metrics:       m,
		threshold:     threshold,
		maxCandidates: maxCandidates,
		retryInterval: retryInterval,
		wake:          make(chan struct{}, 1),
	}
}

// Start records the lifetime context and launches the loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	e.Restart()
}

// Restart resumes the loop after a pause, or wakes it out of a retry sleep.
// Called when a match generation finishes, a user activates, or a handshake
// resolves.
func (e *Engine) Restart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return
	}
	if e.running {
		select {
		case e.wake <- struct{}{}:
		default:
		}
		return
	}
	e.running = true
	go e.loop(e.ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for ctx.Err() == nil {
		paired, err := e.iterate(ctx)
		if err != nil {
			slog.Error("matching: iteration failed", "error", err)
			e.sleep(ctx)
			continue
		}
		if paired {
			// The loop resumes when the match generation completes.
			return
		}
	}
}

// iterate performs one matching step. Returns true when a pair was created and
// its generation enqueued.
func (e *Engine) iterate(ctx context.Context) (bool, error) {
	round, err := e.currentRound(ctx)
	if err != nil {
		return false, err
	}

	user, err := e.store.NextUserForMatching(ctx, round)
	if errors.Is(err, store.ErrNotFound) {
		return false, e.advance(ctx, round)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to pick next user")
	}
	e.setSlept(false)

	exclusions, err := e.store.MatchExclusionSet(ctx, user)
	if err != nil {
		return false, errors.Wrap(err, "failed to build exclusion set")
	}

	candidates, err := e.store.SimilarOppositeRoleUsers(ctx, user, e.threshold, e.maxCandidates, exclusions)
	if err != nil {
		return false, errors.Wrap(err, "similarity search failed")
	}

	if len(candidates) == 0 {
		// Participation record: the user took their turn this round and
		// waits for the pool to change.
		participation := &store.Match{
			UserAID:       user.TelegramID,
			MatchingRound: round,
			Status:        store.MatchUnmatched,
		}
		if user.ProfileUpdatedAt != nil {
			t := *user.ProfileUpdatedAt
			participation.LatestProfileUpdatedAt = &t
		}
		if _, err := e.store.CreateMatch(ctx, participation); err != nil {
			return false, errors.Wrap(err, "failed to record participation")
		}
		slog.Info("matching: no candidates", "user_id", user.TelegramID, "round", round)
		return false, nil
	}

	best := candidates[0]
	match, err := e.store.CreateMatch(ctx, &store.Match{
		UserAID:                user.TelegramID,
		UserBID:                &best.User.TelegramID,
		SimilarityScore:        best.Similarity,
		MatchingRound:          round,
		Status:                 store.MatchPending,
		LatestProfileUpdatedAt: latestProfileTime(user, best.User),
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to create match")
	}
	if _, err := e.queue.EnqueueMatch(ctx, match.ID); err != nil {
		return false, err
	}

	e.metrics.MatchesCreated.Inc()
	slog.Info("matching: pair created",
		"match_id", match.ID, "user_a", user.TelegramID, "user_b", best.User.TelegramID,
		"similarity", best.Similarity, "round", round)
	return true, nil
}

// advance decides what to do when nobody in the current round is eligible.
// A round that saw activity gets one retry interval for blocked handshakes to
// resolve before the next round opens; an untouched round just waits.
func (e *Engine) advance(ctx context.Context, round int) error {
	max, err := e.store.MaxRoundWithParticipants(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read round state")
	}

	e.mu.Lock()
	switch {
	case max > round:
		// Catching up with rounds recorded before a restart.
		e.round = max
		e.sleptInRound = false
		e.mu.Unlock()
	case max == round && e.sleptInRound:
		e.round = round + 1
		e.sleptInRound = false
		e.mu.Unlock()
		slog.Info("matching: round advanced", "round", round+1)
	case max == round:
		e.sleptInRound = true
		e.mu.Unlock()
		e.sleep(ctx)
	default:
		e.mu.Unlock()
		e.sleep(ctx)
	}
	return nil
}

func (e *Engine) currentRound(ctx context.Context) (int, error) {
	e.mu.Lock()
	round := e.round
	e.mu.Unlock()
	if round > 0 {
		return round, nil
	}

	max, err := e.store.MaxRoundWithParticipants(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read round state")
	}
	if max < 1 {
		max = 1
	}
	e.mu.Lock()
	e.round = max
	e.mu.Unlock()
	return max, nil
}

func (e *Engine) setSlept(v bool) {
	e.mu.Lock()
	e.sleptInRound = v
	e.mu.Unlock()
}

func (e *Engine) sleep(ctx context.Context) {
	timer := time.NewTimer(e.retryInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.wake:
	case <-ctx.Done():
	}
}

func latestProfileTime(a, b *store.User) *time.Time {
	latest := a.ProfileUpdatedAt
	if latest == nil || (b.ProfileUpdatedAt != nil && b.ProfileUpdatedAt.After(*latest)) {
		latest = b.ProfileUpdatedAt
	}
	if latest == nil {
		return nil
	}
	t := *latest
	return &t
}
