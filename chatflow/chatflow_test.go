package chatflow

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
	"github.com/devmatch/devmatch/store"
	"github.com/devmatch/devmatch/store/storetest"
)

type sentMessage struct {
	chatID int64
	text   string
	opts   *telegram.SendOptions
}

type fakeTransport struct {
	mu       sync.Mutex
	nextID   int
	sends    []sentMessage
	edits    []sentMessage
	deletes  []int
	failEdit bool
}

func (t *fakeTransport) Send(_ context.Context, chatID int64, text string, opts *telegram.SendOptions) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.sends = append(t.sends, sentMessage{chatID: chatID, text: text, opts: opts})
	return t.nextID, nil
}

func (t *fakeTransport) Edit(_ context.Context, chatID int64, messageID int, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failEdit {
		return telegram.ErrSend
	}
	t.edits = append(t.edits, sentMessage{chatID: chatID, text: text})
	return nil
}

func (t *fakeTransport) Delete(_ context.Context, _ int64, messageID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletes = append(t.deletes, messageID)
	return nil
}

func (t *fakeTransport) Typing(context.Context, int64) {}

type fakeAgent struct {
	generate func(ctx context.Context, turn *llm.Turn) (*llm.Reply, error)
}

func (a *fakeAgent) Generate(ctx context.Context, turn *llm.Turn) (*llm.Reply, error) {
	return a.generate(ctx, turn)
}

type fakeEmbedder struct {
	calls int
}

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func (e *fakeEmbedder) Dimensions() int { return 3 }

// fakeQueue creates pending generations directly, without budget pacing.
type fakeQueue struct {
	st *store.Store
}

func (q *fakeQueue) EnqueueChat(ctx context.Context, chatID int64) (*store.Generation, error) {
	return q.st.CreateGeneration(ctx, &store.Generation{
		ChatID:       &chatID,
		ScheduledFor: time.Now(),
		Status:       store.GenerationPending,
	})
}

func newTestStore() *store.Store {
	return store.New(storetest.New(), &profile.Profile{})
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{10 * time.Second, "soon"},
		{59 * time.Second, "soon"},
		{time.Minute, "shortly"},
		{9 * time.Minute, "shortly"},
		{25 * time.Minute, "~0 h 25 min"},
		{90 * time.Minute, "~1 h 30 min"},
		{26*time.Hour + 5*time.Minute, "~26 h 5 min"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatETA(tt.d), tt.d.String())
	}
}

func TestCoalescerFoldsMessagesIntoOneGeneration(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	c := NewCoalescer(st, &fakeQueue{st: st}, transport)

	require.NoError(t, c.HandleText(ctx, 100, "hello"))
	require.NoError(t, c.HandleText(ctx, 100, "one more thing"))

	chat, err := st.GetChatByUser(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, chat.UserPrompt)
	assert.Equal(t, "hello\n\none more thing", *chat.UserPrompt)

	// One pending generation, one status message.
	latest, err := st.LatestChatGeneration(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.ID)
	assert.Len(t, transport.sends, 1)
	assert.NotNil(t, chat.StatusMessageID)
}

func TestCoalescerEnqueuesAgainAfterCompletion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	c := NewCoalescer(st, &fakeQueue{st: st}, transport)

	require.NoError(t, c.HandleText(ctx, 100, "first"))

	chat, err := st.GetChatByUser(ctx, 100)
	require.NoError(t, err)
	latest, err := st.LatestChatGeneration(ctx, chat.ID)
	require.NoError(t, err)
	done := store.GenerationCompleted
	_, err = st.UpdateGeneration(ctx, &store.UpdateGeneration{ID: latest.ID, Status: &done})
	require.NoError(t, err)

	require.NoError(t, c.HandleText(ctx, 100, "second"))

	latest, err = st.LatestChatGeneration(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GenerationPending, latest.Status)
	assert.Equal(t, int64(2), latest.ID)
	assert.Len(t, transport.sends, 2)
}

// racingDriver lets a test run a prompt consume in the window between the
// coalescer loading the chat and buffering new text.
type racingDriver struct {
	store.Driver
	afterChatLoad func(chatID int64)
}

func (d *racingDriver) GetOrCreateChat(ctx context.Context, userID int64) (*store.Chat, error) {
	chat, err := d.Driver.GetOrCreateChat(ctx, userID)
	if err == nil && d.afterChatLoad != nil {
		d.afterChatLoad(chat.ID)
	}
	return chat, err
}

func TestCoalescerDoesNotResurrectConsumedPrompt(t *testing.T) {
	ctx := context.Background()
	driver := &racingDriver{Driver: storetest.New()}
	st := store.New(driver, &profile.Profile{})
	c := NewCoalescer(st, &fakeQueue{st: st}, &fakeTransport{})

	require.NoError(t, c.HandleText(ctx, 100, "first thought"))

	// The generation starts and takes the prompt right after the coalescer
	// loads the chat for the next message.
	driver.afterChatLoad = func(chatID int64) {
		prompt, err := st.ConsumeUserPrompt(ctx, chatID)
		require.NoError(t, err)
		require.Equal(t, "first thought", prompt)
	}
	require.NoError(t, c.HandleText(ctx, 100, "second thought"))

	chat, err := st.GetChatByUser(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, chat.UserPrompt)
	assert.Equal(t, "second thought", *chat.UserPrompt)
}

func seedChatWithPrompt(t *testing.T, st *store.Store, userID int64, prompt string) (*store.Chat, *store.Generation) {
	t.Helper()
	ctx := context.Background()
	_, err := st.GetOrCreateUser(ctx, userID)
	require.NoError(t, err)
	chat, err := st.GetOrCreateChat(ctx, userID)
	require.NoError(t, err)
	statusID := 555
	chat, err = st.UpdateChat(ctx, &store.UpdateChat{
		ID:                 chat.ID,
		UserPrompt:         &prompt,
		SetUserPrompt:      true,
		StatusMessageID:    &statusID,
		SetStatusMessageID: true,
	})
	require.NoError(t, err)
	generation, err := st.CreateGeneration(ctx, &store.Generation{
		ChatID:       &chat.ID,
		ScheduledFor: time.Now(),
		Status:       store.GenerationStarted,
	})
	require.NoError(t, err)
	return chat, generation
}

func TestRunnerDeliversReply(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	agent := &fakeAgent{generate: func(_ context.Context, turn *llm.Turn) (*llm.Reply, error) {
		assert.Equal(t, "hello", turn.Prompt)
		return &llm.Reply{
			Text:    `{"utterance":"hi there"}`,
			Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
			CostUSD: 0.01,
		}, nil
	}}
	r := NewRunner(st, agent, nil, &fakeEmbedder{}, transport, nil, &profile.Profile{AgentMode: profile.AgentModeHistory})

	chat, generation := seedChatWithPrompt(t, st, 100, "hello")
	require.NoError(t, r.Run(ctx, generation))

	// Prompt consumed, placeholder dropped, reply sent fresh.
	fresh, err := st.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, fresh.UserPrompt)
	assert.Nil(t, fresh.StatusMessageID)
	assert.Equal(t, []int{555}, transport.deletes)
	require.Len(t, transport.sends, 1)
	assert.Equal(t, "hi there", transport.sends[0].text)

	require.Len(t, fresh.History, 2)
	assert.Equal(t, store.RoleUser, fresh.History[0].Role)
	assert.Equal(t, "hello", fresh.History[0].Content)
	assert.Equal(t, store.RoleAssistant, fresh.History[1].Role)

	g, err := st.GetGeneration(ctx, generation.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, g.InputTokens)
	require.NotNil(t, g.CostUSD)
	assert.InDelta(t, 0.01, *g.CostUSD, 1e-9)
}

func TestRunnerEditsPlaceholderWhenUserKeptTyping(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	var chatID int64
	agent := &fakeAgent{generate: func(_ context.Context, _ *llm.Turn) (*llm.Reply, error) {
		// A new message lands while the model is working.
		late := "and another thing"
		_, err := st.UpdateChat(ctx, &store.UpdateChat{ID: chatID, UserPrompt: &late, SetUserPrompt: true})
		require.NoError(t, err)
		return &llm.Reply{Text: `{"utterance":"answer to the first part"}`}, nil
	}}
	r := NewRunner(st, agent, nil, &fakeEmbedder{}, transport, nil, &profile.Profile{AgentMode: profile.AgentModeHistory})

	chat, generation := seedChatWithPrompt(t, st, 100, "hello")
	chatID = chat.ID
	require.NoError(t, r.Run(ctx, generation))

	// Reply lands in the placeholder above the newer exchange.
	editTexts := []string{}
	for _, e := range transport.edits {
		editTexts = append(editTexts, e.text)
	}
	assert.Contains(t, editTexts, "answer to the first part")
	assert.Empty(t, transport.deletes)
	assert.Empty(t, transport.sends)
}

func TestRunnerAppliesProfile(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	embedder := &fakeEmbedder{}
	agent := &fakeAgent{generate: func(_ context.Context, _ *llm.Turn) (*llm.Reply, error) {
		return &llm.Reply{Text: `{
			"utterance": "noted!",
			"profile": {
				"is_seeker": true,
				"is_provider": false,
				"matching_summary": "Senior Go engineer looking for a mentor.",
				"practical_context": "UTC+1, evenings."
			}
		}`}, nil
	}}
	r := NewRunner(st, agent, nil, embedder, transport, nil, &profile.Profile{AgentMode: profile.AgentModeHistory})

	_, generation := seedChatWithPrompt(t, st, 100, "I'm looking for a mentor")
	require.NoError(t, r.Run(ctx, generation))

	user, err := st.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, store.UserStateReady, user.State)
	require.NotNil(t, user.IsSeeker)
	assert.True(t, *user.IsSeeker)
	assert.Equal(t, "Senior Go engineer looking for a mentor.", user.MatchingSummary)
	assert.NotNil(t, user.Embedding)
	assert.NotNil(t, user.ProfileUpdatedAt)
	assert.Equal(t, store.CurrentProfilerVersion, user.ProfilerVersion)
	assert.Equal(t, 1, embedder.calls)

	// Profile card with the activation button, then the utterance.
	var withKeyboard int
	for _, s := range transport.sends {
		if s.opts != nil && s.opts.Keyboard != nil {
			withKeyboard++
		}
	}
	assert.Equal(t, 1, withKeyboard)
}

func TestRunnerSkipsEmbeddingWhenSummaryUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	embedder := &fakeEmbedder{}
	summary := "Senior Go engineer looking for a mentor."
	agent := &fakeAgent{generate: func(_ context.Context, _ *llm.Turn) (*llm.Reply, error) {
		return &llm.Reply{Text: `{
			"utterance": "updated the details",
			"profile": {"is_seeker": true, "matching_summary": "` + summary + `", "practical_context": "UTC+3 now"}
		}`}, nil
	}}
	r := NewRunner(st, agent, nil, embedder, &fakeTransport{}, nil, &profile.Profile{AgentMode: profile.AgentModeHistory})

	_, generation := seedChatWithPrompt(t, st, 100, "moved timezones")
	_, err := st.UpdateUser(ctx, &store.UpdateUser{
		TelegramID:      100,
		MatchingSummary: &summary,
		Embedding:       []float32{1, 2, 3},
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, generation))
	assert.Equal(t, 0, embedder.calls)
}

func TestRunnerContinuationExpiredFallsBackToHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	continuationCalls := 0
	continuation := &fakeAgent{generate: func(_ context.Context, turn *llm.Turn) (*llm.Reply, error) {
		continuationCalls++
		require.NotNil(t, turn.ContinuationToken)
		return nil, llm.ErrContinuationExpired
	}}
	historyCalls := 0
	history := &fakeAgent{generate: func(_ context.Context, turn *llm.Turn) (*llm.Reply, error) {
		historyCalls++
		// The retry resends the stored conversation, not just the prompt.
		assert.Nil(t, turn.ContinuationToken)
		require.Len(t, turn.History, 2)
		assert.Equal(t, "hello", turn.History[0].Content)
		assert.Equal(t, "hello again", turn.Prompt)
		return &llm.Reply{Text: `{"utterance":"picking up where we left off"}`}, nil
	}}
	r := NewRunner(st, history, continuation, &fakeEmbedder{}, &fakeTransport{}, nil,
		&profile.Profile{AgentMode: profile.AgentModeContinuation})

	chat, generation := seedChatWithPrompt(t, st, 100, "hello again")
	stale := "resp-stale"
	_, err := st.UpdateChat(ctx, &store.UpdateChat{ID: chat.ID, ContinuationToken: &stale, SetContinuationToken: true})
	require.NoError(t, err)
	require.NoError(t, st.AppendChatHistory(ctx, chat.ID,
		store.Message{Role: store.RoleUser, Content: "hello"},
		store.Message{Role: store.RoleAssistant, Content: `{"utterance":"hi"}`},
	))

	require.NoError(t, r.Run(ctx, generation))
	assert.Equal(t, 1, continuationCalls)
	assert.Equal(t, 1, historyCalls)

	// The stale token is gone; the next turn starts a fresh thread.
	fresh, err := st.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, fresh.ContinuationToken)
}

func TestRunnerFailsWithoutBufferedPrompt(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	r := NewRunner(st, &fakeAgent{generate: func(context.Context, *llm.Turn) (*llm.Reply, error) {
		t.Fatal("agent must not be called without a prompt")
		return nil, nil
	}}, nil, &fakeEmbedder{}, transport, nil, &profile.Profile{AgentMode: profile.AgentModeHistory})

	_, err := st.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)
	chat, err := st.GetOrCreateChat(ctx, 100)
	require.NoError(t, err)
	generation, err := st.CreateGeneration(ctx, &store.Generation{
		ChatID:       &chat.ID,
		ScheduledFor: time.Now(),
		Status:       store.GenerationStarted,
	})
	require.NoError(t, err)

	err = r.Run(ctx, generation)
	require.Error(t, err)
	// Internal invariant violation: logged, nothing shown to the user.
	assert.Empty(t, transport.sends)
}

func TestRunnerFailsOnInvalidProfile(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	transport := &fakeTransport{}
	agent := &fakeAgent{generate: func(context.Context, *llm.Turn) (*llm.Reply, error) {
		// A summary without any role must not advance the profile.
		return &llm.Reply{Text: `{"utterance":"done!","profile":{"matching_summary":"Go dev"}}`}, nil
	}}
	r := NewRunner(st, agent, nil, &fakeEmbedder{}, transport, nil, &profile.Profile{AgentMode: profile.AgentModeHistory})

	_, generation := seedChatWithPrompt(t, st, 100, "that's all")
	err := r.Run(ctx, generation)
	require.Error(t, err)

	user, err := st.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, store.UserStateOnboarding, user.State)
	assert.Empty(t, user.MatchingSummary)

	require.Len(t, transport.sends, 1)
	assert.Equal(t, failureText, transport.sends[0].text)
}
