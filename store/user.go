package store

import (
	"context"
	"time"
)

// UserState is the lifecycle state of a user.
type UserState string

const (
	// UserStateOnboarding means the profiler has not produced a profile yet.
	UserStateOnboarding UserState = "onboarding"
	// UserStateReady means a profile exists but the user has not activated matching.
	UserStateReady UserState = "ready"
	// UserStateActive means the user participates in matching rounds.
	UserStateActive UserState = "active"
	// UserStateUpdated means the profile changed after activation.
	UserStateUpdated UserState = "updated"
	// UserStatePaused means the user opted out of matching.
	UserStatePaused UserState = "paused"
)

// CurrentProfilerVersion is stamped onto users whenever the profiler writes a profile.
const CurrentProfilerVersion = 3

// User is an IT professional known to the service, identified by their
// Telegram id.
type User struct {
	TelegramID          int64
	State               UserState
	IsSeeker            *bool
	IsProvider          *bool
	MatchingSummary     string
	PracticalContext    string
	PrivateObservations string
	Embedding           []float32
	ProfilerVersion     int
	ProfileUpdatedAt    *time.Time
	CreatedAt           time.Time
}

// HasRole reports whether at least one role flag is set true.
func (u *User) HasRole() bool {
	return (u.IsSeeker != nil && *u.IsSeeker) || (u.IsProvider != nil && *u.IsProvider)
}

// DisplayProfile is what a matched counterpart is allowed to see.
// Private observations never leave the store through this path.
func (u *User) DisplayProfile() string {
	if u.PracticalContext == "" {
		return u.MatchingSummary
	}
	return u.MatchingSummary + "\n\n" + u.PracticalContext
}

// UpdateUser is a partial update; nil fields are left untouched.
type UpdateUser struct {
	TelegramID          int64
	State               *UserState
	IsSeeker            *bool
	IsProvider          *bool
	MatchingSummary     *string
	PracticalContext    *string
	PrivateObservations *string
	Embedding           []float32
	ProfilerVersion     *int
	ProfileUpdatedAt    *time.Time
}

// UserSimilarity pairs a candidate with its cosine similarity to the probe user.
type UserSimilarity struct {
	User       *User
	Similarity float64
}

func (s *Store) GetOrCreateUser(ctx context.Context, telegramID int64) (*User, error) {
	return s.driver.GetOrCreateUser(ctx, telegramID)
}

func (s *Store) GetUser(ctx context.Context, telegramID int64) (*User, error) {
	return s.driver.GetUser(ctx, telegramID)
}

func (s *Store) UpdateUser(ctx context.Context, update *UpdateUser) (*User, error) {
	return s.driver.UpdateUser(ctx, update)
}

// ResetUser wipes the profile and chat state, returning the user to onboarding.
func (s *Store) ResetUser(ctx context.Context, telegramID int64) error {
	return s.driver.ResetUser(ctx, telegramID)
}

// NextUserForMatching returns the active user with the oldest profile who can
// still participate in the given round, or ErrNotFound.
func (s *Store) NextUserForMatching(ctx context.Context, round int) (*User, error) {
	return s.driver.NextUserForMatching(ctx, round)
}

// SimilarOppositeRoleUsers returns up to k users with a complementary role whose
// embedding cosine similarity to the probe user is at least threshold,
// excluding the given telegram ids, most similar first.
func (s *Store) SimilarOppositeRoleUsers(ctx context.Context, user *User, threshold float64, k int, exclusions []int64) ([]*UserSimilarity, error) {
	return s.driver.SimilarOppositeRoleUsers(ctx, user, threshold, k, exclusions)
}

// MatchExclusionSet returns the counterpart ids the user must not be re-paired
// with. Disqualified matches stop excluding once either party has updated their
// profile after the match was created.
func (s *Store) MatchExclusionSet(ctx context.Context, user *User) ([]int64, error) {
	return s.driver.MatchExclusionSet(ctx, user)
}

func (s *Store) ListUsersByStates(ctx context.Context, states []UserState) ([]*User, error) {
	return s.driver.ListUsersByStates(ctx, states)
}
