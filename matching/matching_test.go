package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmatch/devmatch/ai/llm"
	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/metrics"
	"github.com/devmatch/devmatch/store"
	"github.com/devmatch/devmatch/store/storetest"
)

type sentMessage struct {
	chatID int64
	text   string
	opts   *telegram.SendOptions
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []sentMessage
}

func (t *fakeTransport) Send(_ context.Context, chatID int64, text string, opts *telegram.SendOptions) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, sentMessage{chatID: chatID, text: text, opts: opts})
	return len(t.sends), nil
}

type fakeQueue struct {
	st *store.Store
}

func (q *fakeQueue) EnqueueMatch(ctx context.Context, matchID int64) (*store.Generation, error) {
	return q.st.CreateGeneration(ctx, &store.Generation{
		MatchID:      &matchID,
		ScheduledFor: time.Now(),
		Status:       store.GenerationPending,
	})
}

type fakeAgent struct {
	generate func(ctx context.Context, turn *llm.Turn) (*llm.Reply, error)
}

func (a *fakeAgent) Generate(ctx context.Context, turn *llm.Turn) (*llm.Reply, error) {
	return a.generate(ctx, turn)
}

func newTestStore() *store.Store {
	return store.New(storetest.New(), &profile.Profile{})
}

func seedActiveUser(t *testing.T, st *store.Store, id int64, seeker bool, embedding []float32, updatedAt time.Time) *store.User {
	t.Helper()
	ctx := context.Background()
	_, err := st.GetOrCreateUser(ctx, id)
	require.NoError(t, err)
	active := store.UserStateActive
	provider := !seeker
	summary := "profile"
	user, err := st.UpdateUser(ctx, &store.UpdateUser{
		TelegramID:       id,
		State:            &active,
		IsSeeker:         &seeker,
		IsProvider:       &provider,
		MatchingSummary:  &summary,
		Embedding:        embedding,
		ProfileUpdatedAt: &updatedAt,
	})
	require.NoError(t, err)
	return user
}

func newTestEngine(st *store.Store) *Engine {
	return NewEngine(st, &fakeQueue{st: st}, metrics.New(), 0.5, 5, 10*time.Millisecond)
}

func TestEngineCreatesPairAndEnqueues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	e := newTestEngine(st)

	// Older profile goes first as the probing side.
	seedActiveUser(t, st, 1, true, []float32{1, 0, 0}, time.Now().Add(-time.Hour))
	seedActiveUser(t, st, 2, false, []float32{0.9, 0.1, 0}, time.Now())

	paired, err := e.iterate(ctx)
	require.NoError(t, err)
	assert.True(t, paired)

	match, err := st.GetMatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.MatchPending, match.Status)
	assert.Equal(t, int64(1), match.UserAID)
	require.NotNil(t, match.UserBID)
	assert.Equal(t, int64(2), *match.UserBID)
	assert.Greater(t, match.SimilarityScore, 0.5)
	assert.Equal(t, 1, match.MatchingRound)
	assert.NotNil(t, match.LatestProfileUpdatedAt)

	generation, err := st.NextPendingGeneration(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, generation.MatchID)
	assert.Equal(t, match.ID, *generation.MatchID)
}

func TestEngineRecordsParticipationWithoutCandidates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	e := newTestEngine(st)

	updatedAt := time.Now().Truncate(time.Second)
	seedActiveUser(t, st, 1, true, []float32{1, 0, 0}, updatedAt)

	paired, err := e.iterate(ctx)
	require.NoError(t, err)
	assert.False(t, paired)

	record, err := st.GetMatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, record.Status)
	assert.Nil(t, record.UserBID)
	assert.Equal(t, int64(1), record.UserAID)
	// The record pins the profile version the turn was taken with.
	require.NotNil(t, record.LatestProfileUpdatedAt)
	assert.True(t, record.LatestProfileUpdatedAt.Equal(updatedAt))

	// The user took their turn; the round has nobody left.
	_, err = st.NextUserForMatching(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineExcludesPriorCounterparts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	e := newTestEngine(st)

	seedActiveUser(t, st, 1, true, []float32{1, 0, 0}, time.Now().Add(-time.Hour))
	seedActiveUser(t, st, 2, false, []float32{1, 0, 0}, time.Now())

	_, err := st.CreateMatch(ctx, &store.Match{
		UserAID:       1,
		UserBID:       ptr(int64(2)),
		Status:        store.MatchConnected,
		MatchingRound: 1,
	})
	require.NoError(t, err)

	paired, err := e.iterate(ctx)
	require.NoError(t, err)
	assert.False(t, paired)

	record, err := st.GetMatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, record.Status)
}

func TestEngineRoundAdvancesAfterIdleRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	e := newTestEngine(st)

	seedActiveUser(t, st, 1, true, []float32{1, 0, 0}, time.Now())

	// Turn one records participation; the next two passes sleep out the
	// retry interval and then open round two.
	_, err := e.iterate(ctx)
	require.NoError(t, err)
	_, err = e.iterate(ctx)
	require.NoError(t, err)
	_, err = e.iterate(ctx)
	require.NoError(t, err)

	round, err := e.currentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, round)

	// In the new round the user is eligible again.
	user, err := st.NextUserForMatching(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.TelegramID)
}

func seedQualifiedMatch(t *testing.T, st *store.Store) *store.Match {
	t.Helper()
	ctx := context.Background()
	seedActiveUser(t, st, 1, true, []float32{1, 0, 0}, time.Now())
	seedActiveUser(t, st, 2, false, []float32{1, 0, 0}, time.Now())
	match, err := st.CreateMatch(ctx, &store.Match{
		UserAID:       1,
		UserBID:       ptr(int64(2)),
		Status:        store.MatchQualified,
		MatchingRound: 1,
	})
	require.NoError(t, err)
	return match
}

func TestConsentMutualAcceptConnects(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	c := NewConsent(st, transport, metrics.New(), newTestEngine(st))
	match := seedQualifiedMatch(t, st)

	ack, err := c.Handle(ctx, 1, match.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Recorded. Waiting for the other side.", ack)

	updated, err := st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MatchAAccepted, updated.Status)
	assert.Empty(t, transport.sends)

	_, err = c.Handle(ctx, 2, match.ID, true)
	require.NoError(t, err)

	updated, err = st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MatchConnected, updated.Status)

	// Both sides get the contact exchange.
	require.Len(t, transport.sends, 2)
	recipients := []int64{transport.sends[0].chatID, transport.sends[1].chatID}
	assert.ElementsMatch(t, []int64{1, 2}, recipients)
	assert.Contains(t, transport.sends[0].text, "tg://user?id=")
}

func TestConsentRejectClosesMatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	c := NewConsent(st, transport, metrics.New(), newTestEngine(st))
	match := seedQualifiedMatch(t, st)

	_, err := c.Handle(ctx, 2, match.ID, false)
	require.NoError(t, err)

	updated, err := st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MatchRejected, updated.Status)
	// Nobody had accepted yet, so nobody is notified.
	assert.Empty(t, transport.sends)
}

func TestConsentRejectNotifiesWaitingCounterpart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	c := NewConsent(st, transport, metrics.New(), newTestEngine(st))
	match := seedQualifiedMatch(t, st)

	_, err := c.Handle(ctx, 1, match.ID, true)
	require.NoError(t, err)
	_, err = c.Handle(ctx, 2, match.ID, false)
	require.NoError(t, err)

	require.Len(t, transport.sends, 1)
	assert.Equal(t, int64(1), transport.sends[0].chatID)
}

func TestConsentRepeatAndClosedAcks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	c := NewConsent(st, &fakeTransport{}, metrics.New(), newTestEngine(st))
	match := seedQualifiedMatch(t, st)

	_, err := c.Handle(ctx, 1, match.ID, true)
	require.NoError(t, err)
	ack, err := c.Handle(ctx, 1, match.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Recorded. Waiting for the other side.", ack)

	_, err = c.Handle(ctx, 2, match.ID, false)
	require.NoError(t, err)
	ack, err = c.Handle(ctx, 1, match.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "This match is already closed.", ack)

	_, err = c.Handle(ctx, 7, match.ID, true)
	assert.Error(t, err)
}

func TestRunnerDeliversIntroductions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	e := newTestEngine(st)

	calls := 0
	agent := &fakeAgent{generate: func(_ context.Context, turn *llm.Turn) (*llm.Reply, error) {
		calls++
		if calls == 1 {
			return &llm.Reply{
				Text:    `{"explanation":"Strong skill overlap.","key_alignments":["Go","mentoring"],"confidence_score":0.8}`,
				Usage:   llm.Usage{InputTokens: 100, OutputTokens: 20},
				CostUSD: 0.02,
			}, nil
		}
		return &llm.Reply{
			Text:    `{"utterance":"I found someone for you."}`,
			Usage:   llm.Usage{InputTokens: 50, OutputTokens: 10},
			CostUSD: 0.01,
		}, nil
	}}
	r := NewRunner(st, agent, transport, e, "en")

	seedActiveUser(t, st, 1, true, []float32{1, 0, 0}, time.Now())
	seedActiveUser(t, st, 2, false, []float32{1, 0, 0}, time.Now())
	match, err := st.CreateMatch(ctx, &store.Match{
		UserAID:         1,
		UserBID:         ptr(int64(2)),
		SimilarityScore: 0.9,
		Status:          store.MatchPending,
		MatchingRound:   1,
	})
	require.NoError(t, err)
	generation, err := st.CreateGeneration(ctx, &store.Generation{
		MatchID:      &match.ID,
		ScheduledFor: time.Now(),
		Status:       store.GenerationStarted,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, generation))
	assert.Equal(t, 3, calls)

	updated, err := st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MatchQualified, updated.Status)
	assert.Contains(t, updated.MatchRationale, "Strong skill overlap.")
	assert.Contains(t, updated.MatchRationale, "- Go")

	require.Len(t, transport.sends, 2)
	for _, s := range transport.sends {
		require.NotNil(t, s.opts)
		assert.NotNil(t, s.opts.Keyboard)
	}

	g, err := st.GetGeneration(ctx, generation.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, g.InputTokens)
	assert.Equal(t, 40, g.OutputTokens)
	require.NotNil(t, g.CostUSD)
	assert.InDelta(t, 0.04, *g.CostUSD, 1e-9)
}

func ptr[T any](v T) *T { return &v }
