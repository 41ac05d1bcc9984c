// Package storetest provides an in-memory store.Driver for engine tests.
package storetest

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/devmatch/devmatch/store"
)

// Memory implements store.Driver entirely in memory. Query semantics mirror
// the postgres driver closely enough for the engines' tests.
type Memory struct {
	mu sync.Mutex

	users map[int64]*store.User
	chats map[int64]*store.Chat

	generations map[int64]*store.Generation
	matches     map[int64]*store.Match

	announcements map[int64]*store.Announcement
	groups        map[int64][]int64

	nextChatID  int64
	nextGenID   int64
	nextMatchID int64
	nextMiscID  int64
}

// New creates an empty in-memory driver.
func New() *Memory {
	return &Memory{
		users:         make(map[int64]*store.User),
		chats:         make(map[int64]*store.Chat),
		generations:   make(map[int64]*store.Generation),
		matches:       make(map[int64]*store.Match),
		announcements: make(map[int64]*store.Announcement),
		groups:        make(map[int64][]int64),
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }

// ── Users ──────────────────────────────────────────────

func (m *Memory) GetOrCreateUser(ctx context.Context, telegramID int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[telegramID]; ok {
		return copyUser(u), nil
	}
	u := &store.User{
		TelegramID: telegramID,
		State:      store.UserStateOnboarding,
		CreatedAt:  time.Now().UTC(),
	}
	m.users[telegramID] = u
	return copyUser(u), nil
}

func (m *Memory) GetUser(ctx context.Context, telegramID int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[telegramID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (m *Memory) UpdateUser(ctx context.Context, update *store.UpdateUser) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[update.TelegramID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.State != nil {
		u.State = *update.State
	}
	if update.IsSeeker != nil {
		u.IsSeeker = update.IsSeeker
	}
	if update.IsProvider != nil {
		u.IsProvider = update.IsProvider
	}
	if update.MatchingSummary != nil {
		u.MatchingSummary = *update.MatchingSummary
	}
	if update.PracticalContext != nil {
		u.PracticalContext = *update.PracticalContext
	}
	if update.PrivateObservations != nil {
		u.PrivateObservations = *update.PrivateObservations
	}
	if update.Embedding != nil {
		u.Embedding = update.Embedding
	}
	if update.ProfilerVersion != nil {
		u.ProfilerVersion = *update.ProfilerVersion
	}
	if update.ProfileUpdatedAt != nil {
		t := *update.ProfileUpdatedAt
		u.ProfileUpdatedAt = &t
	}
	return copyUser(u), nil
}

func (m *Memory) ResetUser(ctx context.Context, telegramID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[telegramID]
	if !ok {
		return store.ErrNotFound
	}
	u.State = store.UserStateOnboarding
	u.IsSeeker = nil
	u.IsProvider = nil
	u.MatchingSummary = ""
	u.PracticalContext = ""
	u.PrivateObservations = ""
	u.Embedding = nil
	u.ProfilerVersion = 0
	u.ProfileUpdatedAt = nil
	for _, c := range m.chats {
		if c.UserID == telegramID {
			c.History = nil
			c.UserPrompt = nil
			c.ContinuationToken = nil
			c.StatusMessageID = nil
		}
	}
	return nil
}

func (m *Memory) NextUserForMatching(ctx context.Context, round int) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := []*store.User{}
	for _, u := range m.users {
		if u.State != store.UserStateActive || u.Embedding == nil || !u.HasRole() {
			continue
		}
		if m.blockedByHandshake(u.TelegramID) || m.participatedInRound(u.TelegramID, round) {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		at, bt := timeOrZero(a.ProfileUpdatedAt), timeOrZero(b.ProfileUpdatedAt)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.TelegramID < b.TelegramID
	})
	return copyUser(candidates[0]), nil
}

func (m *Memory) blockedByHandshake(userID int64) bool {
	for _, match := range m.matches {
		if match.UserAID == userID &&
			(match.Status == store.MatchQualified || match.Status == store.MatchBAccepted) {
			return true
		}
		if match.UserBID != nil && *match.UserBID == userID &&
			(match.Status == store.MatchQualified || match.Status == store.MatchAAccepted) {
			return true
		}
	}
	return false
}

func (m *Memory) participatedInRound(userID int64, round int) bool {
	for _, match := range m.matches {
		if match.UserAID == userID && match.MatchingRound == round {
			return true
		}
	}
	return false
}

func (m *Memory) SimilarOppositeRoleUsers(ctx context.Context, user *store.User, threshold float64, k int, exclusions []int64) ([]*store.UserSimilarity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := map[int64]bool{}
	for _, id := range exclusions {
		excluded[id] = true
	}
	seeker := user.IsSeeker != nil && *user.IsSeeker
	provider := user.IsProvider != nil && *user.IsProvider

	results := []*store.UserSimilarity{}
	for _, candidate := range m.users {
		if candidate.TelegramID == user.TelegramID || excluded[candidate.TelegramID] {
			continue
		}
		if candidate.State != store.UserStateActive && candidate.State != store.UserStateUpdated {
			continue
		}
		if candidate.Embedding == nil {
			continue
		}
		candidateProvider := candidate.IsProvider != nil && *candidate.IsProvider
		candidateSeeker := candidate.IsSeeker != nil && *candidate.IsSeeker
		if !((seeker && candidateProvider) || (provider && candidateSeeker)) {
			continue
		}
		similarity := cosine(user.Embedding, candidate.Embedding)
		if similarity < threshold {
			continue
		}
		results = append(results, &store.UserSimilarity{User: copyUser(candidate), Similarity: similarity})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *Memory) MatchExclusionSet(ctx context.Context, user *store.User) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := map[int64]bool{}
	for _, match := range m.matches {
		if match.UserBID == nil {
			continue
		}
		var other int64
		switch {
		case match.UserAID == user.TelegramID:
			other = *match.UserBID
		case *match.UserBID == user.TelegramID:
			other = match.UserAID
		default:
			continue
		}
		if match.Status != store.MatchDisqualified {
			set[other] = true
			continue
		}
		a, b := m.users[match.UserAID], m.users[*match.UserBID]
		if !profileNewer(a, match.LatestProfileUpdatedAt) && !profileNewer(b, match.LatestProfileUpdatedAt) {
			set[other] = true
		}
	}

	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func profileNewer(u *store.User, pinned *time.Time) bool {
	if u == nil || u.ProfileUpdatedAt == nil {
		return false
	}
	if pinned == nil {
		return true
	}
	return u.ProfileUpdatedAt.After(*pinned)
}

func (m *Memory) ListUsersByStates(ctx context.Context, states []store.UserState) ([]*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := map[store.UserState]bool{}
	for _, s := range states {
		wanted[s] = true
	}
	list := []*store.User{}
	for _, u := range m.users {
		if wanted[u.State] {
			list = append(list, copyUser(u))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TelegramID < list[j].TelegramID })
	return list, nil
}

// ── Chats ──────────────────────────────────────────────

func (m *Memory) GetOrCreateChat(ctx context.Context, userID int64) (*store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.UserID == userID {
			return copyChat(c), nil
		}
	}
	m.nextChatID++
	c := &store.Chat{ID: m.nextChatID, UserID: userID, UpdatedAt: time.Now().UTC()}
	m.chats[c.ID] = c
	return copyChat(c), nil
}

func (m *Memory) GetChat(ctx context.Context, id int64) (*store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyChat(c), nil
}

func (m *Memory) GetChatByUser(ctx context.Context, userID int64) (*store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.UserID == userID {
			return copyChat(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) UpdateChat(ctx context.Context, update *store.UpdateChat) (*store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.History != nil {
		c.History = append([]store.Message{}, update.History...)
	}
	if update.SetUserPrompt {
		c.UserPrompt = copyString(update.UserPrompt)
	}
	if update.SetContinuationToken {
		c.ContinuationToken = copyString(update.ContinuationToken)
	}
	if update.SetStatusMessageID {
		c.StatusMessageID = copyInt(update.StatusMessageID)
	}
	if update.AdminThreadID != nil {
		v := *update.AdminThreadID
		c.AdminThreadID = &v
	}
	c.UpdatedAt = time.Now().UTC()
	return copyChat(c), nil
}

func (m *Memory) AppendUserPrompt(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return store.ErrNotFound
	}
	if c.UserPrompt != nil {
		text = *c.UserPrompt + "\n\n" + text
	}
	c.UserPrompt = &text
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ConsumeUserPrompt(ctx context.Context, chatID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || c.UserPrompt == nil {
		return "", store.ErrNotFound
	}
	prompt := *c.UserPrompt
	c.UserPrompt = nil
	c.UpdatedAt = time.Now().UTC()
	return prompt, nil
}

func (m *Memory) AppendChatHistory(ctx context.Context, chatID int64, messages ...store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return store.ErrNotFound
	}
	c.History = append(c.History, messages...)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Generations ────────────────────────────────────────

func (m *Memory) CreateGeneration(ctx context.Context, create *store.Generation) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGenID++
	g := *create
	g.ID = m.nextGenID
	if g.Status == "" {
		g.Status = store.GenerationPending
	}
	g.CreatedAt = time.Now().UTC()
	m.generations[g.ID] = &g
	return copyGeneration(&g), nil
}

func (m *Memory) GetGeneration(ctx context.Context, id int64) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyGeneration(g), nil
}

func (m *Memory) UpdateGeneration(ctx context.Context, update *store.UpdateGeneration) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Status != nil {
		g.Status = *update.Status
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		g.StartedAt = &t
	}
	if update.CachedInputTokens != nil {
		g.CachedInputTokens = *update.CachedInputTokens
	}
	if update.InputTokens != nil {
		g.InputTokens = *update.InputTokens
	}
	if update.OutputTokens != nil {
		g.OutputTokens = *update.OutputTokens
	}
	if update.CostUSD != nil {
		v := *update.CostUSD
		g.CostUSD = &v
	}
	if update.ResponseID != nil {
		v := *update.ResponseID
		g.ResponseID = &v
	}
	if update.SetPlaceholderMessageID {
		g.PlaceholderMessageID = copyInt(update.PlaceholderMessageID)
	}
	return copyGeneration(g), nil
}

func (m *Memory) NextPendingGeneration(ctx context.Context, now time.Time) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.Generation
	for _, g := range m.generations {
		if g.Status != store.GenerationPending || g.ScheduledFor.After(now) {
			continue
		}
		if best == nil || g.ScheduledFor.Before(best.ScheduledFor) ||
			(g.ScheduledFor.Equal(best.ScheduledFor) && g.ID < best.ID) {
			best = g
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyGeneration(best), nil
}

func (m *Memory) MinPendingScheduledFor(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min *time.Time
	for _, g := range m.generations {
		if g.Status != store.GenerationPending {
			continue
		}
		if min == nil || g.ScheduledFor.Before(*min) {
			t := g.ScheduledFor
			min = &t
		}
	}
	return min, nil
}

func (m *Memory) MaxScheduledFor(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max *time.Time
	for _, g := range m.generations {
		if max == nil || g.ScheduledFor.After(*max) {
			t := g.ScheduledFor
			max = &t
		}
	}
	return max, nil
}

func (m *Memory) LastCostGeneration(ctx context.Context) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.Generation
	for _, g := range m.generations {
		if g.CostUSD == nil || g.StartedAt == nil {
			continue
		}
		if best == nil || g.StartedAt.After(*best.StartedAt) ||
			(g.StartedAt.Equal(*best.StartedAt) && g.ID > best.ID) {
			best = g
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyGeneration(best), nil
}

func (m *Memory) LatestChatGeneration(ctx context.Context, chatID int64) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.Generation
	for _, g := range m.generations {
		if g.ChatID == nil || *g.ChatID != chatID {
			continue
		}
		if best == nil || g.ID > best.ID {
			best = g
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyGeneration(best), nil
}

// ── Matches ────────────────────────────────────────────

func (m *Memory) CreateMatch(ctx context.Context, create *store.Match) (*store.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMatchID++
	match := *create
	match.ID = m.nextMatchID
	if match.Status == "" {
		match.Status = store.MatchPending
	}
	if match.MatchingRound < 1 {
		match.MatchingRound = 1
	}
	match.CreatedAt = time.Now().UTC()
	m.matches[match.ID] = &match
	return copyMatch(&match), nil
}

func (m *Memory) GetMatch(ctx context.Context, id int64) (*store.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMatch(match), nil
}

func (m *Memory) UpdateMatch(ctx context.Context, update *store.UpdateMatch) (*store.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Status != nil {
		match.Status = *update.Status
	}
	if update.MatchRationale != nil {
		match.MatchRationale = *update.MatchRationale
	}
	return copyMatch(match), nil
}

func (m *Memory) MaxRoundWithParticipants(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, match := range m.matches {
		if match.MatchingRound > max {
			max = match.MatchingRound
		}
	}
	return max, nil
}

// ── Announcements ──────────────────────────────────────

func (m *Memory) CreateAnnouncement(ctx context.Context, create *store.Announcement) (*store.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.announcements {
		if a.SourceMessageID == create.SourceMessageID {
			a.Text = create.Text
			return copyAnnouncement(a), nil
		}
	}
	m.nextMiscID++
	a := *create
	a.ID = m.nextMiscID
	if a.Status == "" {
		a.Status = store.AnnouncementPending
	}
	a.CreatedAt = time.Now().UTC()
	m.announcements[a.ID] = &a
	return copyAnnouncement(&a), nil
}

func (m *Memory) GetAnnouncementBySource(ctx context.Context, sourceMessageID int) (*store.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.announcements {
		if a.SourceMessageID == sourceMessageID {
			return copyAnnouncement(a), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) UpdateAnnouncementStatus(ctx context.Context, id int64, status store.AnnouncementStatus, userGroupID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.announcements[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	if userGroupID != nil {
		v := *userGroupID
		a.UserGroupID = &v
	}
	return nil
}

func (m *Memory) CreateUserGroup(ctx context.Context, name string, memberIDs []int64) (*store.UserGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMiscID++
	m.groups[m.nextMiscID] = append([]int64{}, memberIDs...)
	return &store.UserGroup{ID: m.nextMiscID, Name: name, CreatedAt: time.Now().UTC()}, nil
}

func (m *Memory) ListUserGroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]int64{}, members...), nil
}

// ── helpers ────────────────────────────────────────────

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func copyUser(u *store.User) *store.User {
	c := *u
	if u.Embedding != nil {
		c.Embedding = append([]float32{}, u.Embedding...)
	}
	return &c
}

func copyChat(ch *store.Chat) *store.Chat {
	c := *ch
	c.History = append([]store.Message{}, ch.History...)
	c.UserPrompt = copyString(ch.UserPrompt)
	c.ContinuationToken = copyString(ch.ContinuationToken)
	c.StatusMessageID = copyInt(ch.StatusMessageID)
	c.AdminThreadID = copyInt(ch.AdminThreadID)
	return &c
}

func copyGeneration(g *store.Generation) *store.Generation {
	c := *g
	return &c
}

func copyMatch(m *store.Match) *store.Match {
	c := *m
	return &c
}

func copyAnnouncement(a *store.Announcement) *store.Announcement {
	c := *a
	return &c
}
