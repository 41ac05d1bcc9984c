package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/metrics"
	"github.com/devmatch/devmatch/store"
	"github.com/devmatch/devmatch/store/storetest"
)

type runnerFunc func(ctx context.Context, generation *store.Generation) error

func (f runnerFunc) Run(ctx context.Context, generation *store.Generation) error {
	return f(ctx, generation)
}

func newTestScheduler(t *testing.T, weeklyBudgetUSD float64) (*Scheduler, *store.Store) {
	t.Helper()
	st := store.New(storetest.New(), &profile.Profile{})
	return New(st, weeklyBudgetUSD, metrics.New()), st
}

func TestEnqueueSpacingFollowsBudget(t *testing.T) {
	ctx := context.Background()
	// With a weekly budget equal to one USD per week-second, a 2 USD
	// generation buys a 2 s pause.
	s, st := newTestScheduler(t, secondsPerWeek)

	seed, err := st.CreateGeneration(ctx, &store.Generation{
		ChatID:       ptr(int64(1)),
		ScheduledFor: time.Now().Add(-time.Hour),
		Status:       store.GenerationCompleted,
	})
	require.NoError(t, err)
	startedAt := time.Now()
	cost := 2.0
	_, err = st.UpdateGeneration(ctx, &store.UpdateGeneration{
		ID:        seed.ID,
		StartedAt: &startedAt,
		CostUSD:   &cost,
	})
	require.NoError(t, err)

	first, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)
	second, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(2*time.Second), first.ScheduledFor, 500*time.Millisecond)
	assert.Equal(t, 2*time.Second, second.ScheduledFor.Sub(first.ScheduledFor))
}

func TestEnqueueWithoutCostHistoryIsImmediate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, 10)

	generation, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), generation.ScheduledFor, 500*time.Millisecond)
}

func TestRunProcessesQueueInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, st := newTestScheduler(t, 0)

	var mu sync.Mutex
	var ran []int64
	record := runnerFunc(func(_ context.Context, g *store.Generation) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, g.ID)
		return nil
	})
	s.SetRunners(record, record)

	first, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)
	second, err := s.EnqueueMatch(ctx, 7)
	require.NoError(t, err)

	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{first.ID, second.ID}, ran)
	mu.Unlock()

	for _, id := range []int64{first.ID, second.ID} {
		g, err := st.GetGeneration(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.GenerationCompleted, g.Status)
		assert.NotNil(t, g.StartedAt)
	}
}

func TestRunMarksFailureAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, st := newTestScheduler(t, 0)

	var mu sync.Mutex
	ran := 0
	s.SetRunners(runnerFunc(func(_ context.Context, g *store.Generation) error {
		mu.Lock()
		defer mu.Unlock()
		ran++
		if ran == 1 {
			return assert.AnError
		}
		return nil
	}), nil)

	first, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)
	second, err := s.EnqueueChat(ctx, 2)
	require.NoError(t, err)

	go s.Run(ctx)

	require.Eventually(t, func() bool {
		g, err := st.GetGeneration(ctx, second.ID)
		return err == nil && g.Status == store.GenerationCompleted
	}, 3*time.Second, 10*time.Millisecond)

	g, err := st.GetGeneration(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GenerationFailed, g.Status)
}

func TestNudgeWakesIdleLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, st := newTestScheduler(t, 0)

	done := make(chan int64, 1)
	s.SetRunners(runnerFunc(func(_ context.Context, g *store.Generation) error {
		done <- g.ID
		return nil
	}), nil)

	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the loop park on an empty queue

	generation, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, generation.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not wake the scheduler")
	}

	require.Eventually(t, func() bool {
		g, err := st.GetGeneration(ctx, generation.ID)
		return err == nil && g.Status == store.GenerationCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInFlightGenerationSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, st := newTestScheduler(t, 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.SetRunners(runnerFunc(func(runCtx context.Context, _ *store.Generation) error {
		close(entered)
		<-release
		return runCtx.Err() // must stay nil after the outer cancel
	}), nil)

	generation, err := s.EnqueueChat(ctx, 1)
	require.NoError(t, err)

	go s.Run(ctx)

	<-entered
	cancel()
	close(release)

	require.Eventually(t, func() bool {
		g, err := st.GetGeneration(context.Background(), generation.ID)
		return err == nil && g.Status == store.GenerationCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func ptr[T any](v T) *T { return &v }
