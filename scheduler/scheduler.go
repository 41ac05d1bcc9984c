// Package scheduler serializes all language-model work through a single
// budget-paced queue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/metrics"
	"github.com/devmatch/devmatch/store"
)

const secondsPerWeek = 7 * 24 * 60 * 60

// errorBackoff spaces out retries after a failed scheduler pass.
var errorBackoff = time.Second

// Runner executes one generation. The scheduler marks the generation started
// before calling Run and completed or failed after it returns.
type Runner interface {
	Run(ctx context.Context, generation *store.Generation) error
}

// Scheduler owns the generation queue. At most one generation runs at a time;
// spacing between generations is derived from the last observed cost so that
// steady-state spend approaches the weekly budget.
type Scheduler struct {
	store   *store.Store
	metrics *metrics.Metrics

	weeklyBudgetUSD float64

	chat  Runner
	match Runner

	// nudge holds at most one pending wake-up. Enqueue sets it before the
	// loop re-checks the queue, so a signal can never be lost.
	nudge chan struct{}

	now func() time.Time
}

// New creates a scheduler. Runners are attached separately because they need
// the scheduler themselves to enqueue follow-up work.
func New(st *store.Store, weeklyBudgetUSD float64, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:           st,
		metrics:         m,
		weeklyBudgetUSD: weeklyBudgetUSD,
		nudge:           make(chan struct{}, 1),
		now:             time.Now,
	}
}

// SetRunners attaches the per-kind runners. Must be called before Run.
func (s *Scheduler) SetRunners(chat, match Runner) {
	s.chat = chat
	s.match = match
}

// Nudge wakes the scheduler loop. Never blocks; coalesces repeated signals.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// EnqueueChat appends a chat generation to the queue and wakes the loop.
func (s *Scheduler) EnqueueChat(ctx context.Context, chatID int64) (*store.Generation, error) {
	return s.enqueue(ctx, &chatID, nil)
}

// EnqueueMatch appends a match generation to the queue and wakes the loop.
func (s *Scheduler) EnqueueMatch(ctx context.Context, matchID int64) (*store.Generation, error) {
	return s.enqueue(ctx, nil, &matchID)
}

func (s *Scheduler) enqueue(ctx context.Context, chatID, matchID *int64) (*store.Generation, error) {
	base := s.now()
	max, err := s.store.MaxScheduledFor(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue tail")
	}
	if max != nil && max.After(base) {
		base = *max
	}

	interval, err := s.budgetInterval(ctx)
	if err != nil {
		return nil, err
	}

	generation, err := s.store.CreateGeneration(ctx, &store.Generation{
		ChatID:       chatID,
		MatchID:      matchID,
		ScheduledFor: base.Add(interval),
		Status:       store.GenerationPending,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create generation")
	}

	s.metrics.PendingGenerations.Inc()
	s.Nudge()
	return generation, nil
}

// budgetInterval converts the last generation's cost into the pause that keeps
// weekly spend at the configured budget. No cost history means no pause.
func (s *Scheduler) budgetInterval(ctx context.Context) (time.Duration, error) {
	last, err := s.store.LastCostGeneration(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read last cost")
	}
	if last.CostUSD == nil || s.weeklyBudgetUSD <= 0 {
		return 0, nil
	}
	seconds := *last.CostUSD * secondsPerWeek / s.weeklyBudgetUSD
	return time.Duration(seconds * float64(time.Second)), nil
}

// Run drives the queue until ctx is cancelled. A generation already handed to
// its runner is never preempted; cancellation takes effect between passes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("scheduler: pass failed", "error", err)
			s.sleep(ctx, errorBackoff)
		}
	}
}

func (s *Scheduler) step(ctx context.Context) error {
	// Clear the wake-up flag before looking for work. A nudge arriving after
	// this point is kept for the next wait.
	select {
	case <-s.nudge:
	default:
	}

	generation, err := s.store.NextPendingGeneration(ctx, s.now())
	if err == nil {
		return s.process(ctx, generation)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "failed to poll queue")
	}

	min, err := s.store.MinPendingScheduledFor(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read next due time")
	}
	s.wait(ctx, min)
	return nil
}

func (s *Scheduler) process(ctx context.Context, generation *store.Generation) error {
	kind, runner := "match", s.match
	if generation.IsChat() {
		kind, runner = "chat", s.chat
	}
	if runner == nil {
		return errors.Errorf("no runner for %s generation %d", kind, generation.ID)
	}

	startedAt := s.now()
	started := store.GenerationStarted
	if _, err := s.store.UpdateGeneration(ctx, &store.UpdateGeneration{
		ID:        generation.ID,
		Status:    &started,
		StartedAt: &startedAt,
	}); err != nil {
		return errors.Wrapf(err, "failed to start generation %d", generation.ID)
	}
	s.metrics.GenerationsStarted.WithLabelValues(kind).Inc()
	s.metrics.PendingGenerations.Dec()

	// The runner always gets to finish; shutdown waits for the update below.
	runCtx := context.WithoutCancel(ctx)
	runErr := runner.Run(runCtx, generation)

	final := store.GenerationCompleted
	if runErr != nil {
		final = store.GenerationFailed
		s.metrics.GenerationsFailed.WithLabelValues(kind).Inc()
		slog.Error("scheduler: generation failed", "id", generation.ID, "kind", kind, "error", runErr)
	} else {
		s.metrics.GenerationsCompleted.WithLabelValues(kind).Inc()
	}

	updated, err := s.store.UpdateGeneration(runCtx, &store.UpdateGeneration{
		ID:     generation.ID,
		Status: &final,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to finish generation %d", generation.ID)
	}
	if updated.CostUSD != nil {
		s.metrics.GenerationCostUSD.Add(*updated.CostUSD)
	}

	slog.Info("scheduler: generation finished",
		"id", generation.ID, "kind", kind, "status", final,
		"elapsed", s.now().Sub(startedAt).Round(time.Millisecond))
	return nil
}

// wait blocks until the next due time, a nudge, or cancellation. A nil due
// time means the queue is empty and only a nudge can wake the loop.
func (s *Scheduler) wait(ctx context.Context, until *time.Time) {
	if until == nil {
		select {
		case <-s.nudge:
		case <-ctx.Done():
		}
		return
	}
	s.sleep(ctx, until.Sub(s.now()))
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.nudge:
	case <-timer.C:
	case <-ctx.Done():
	}
}
