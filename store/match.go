package store

import (
	"context"
	"time"
)

// MatchStatus is the consent/lifecycle state of a match.
type MatchStatus string

const (
	MatchPending      MatchStatus = "pending"
	MatchQualified    MatchStatus = "qualified"
	MatchDisqualified MatchStatus = "disqualified"
	MatchAAccepted    MatchStatus = "a_accepted"
	MatchBAccepted    MatchStatus = "b_accepted"
	MatchConnected    MatchStatus = "connected"
	MatchRejected     MatchStatus = "rejected"
	// MatchUnmatched marks a participation record: user A tried this round but
	// no eligible partner existed.
	MatchUnmatched MatchStatus = "unmatched"
)

// Match is a pair of users, or a participation record when UserBID is nil.
type Match struct {
	ID      int64
	UserAID int64
	UserBID *int64

	SimilarityScore float64
	MatchRationale  string
	MatchingRound   int
	Status          MatchStatus

	// LatestProfileUpdatedAt captures at creation the max of both users'
	// profile_updated_at; a later profile update unblocks re-matching.
	LatestProfileUpdatedAt *time.Time

	CreatedAt time.Time
}

// UpdateMatch is a partial update; nil fields are left untouched.
type UpdateMatch struct {
	ID             int64
	Status         *MatchStatus
	MatchRationale *string
}

func (s *Store) CreateMatch(ctx context.Context, create *Match) (*Match, error) {
	return s.driver.CreateMatch(ctx, create)
}

func (s *Store) GetMatch(ctx context.Context, id int64) (*Match, error) {
	return s.driver.GetMatch(ctx, id)
}

func (s *Store) UpdateMatch(ctx context.Context, update *UpdateMatch) (*Match, error) {
	return s.driver.UpdateMatch(ctx, update)
}

// MaxRoundWithParticipants returns the highest matching_round that has at
// least one match row, or 0 when there are none.
func (s *Store) MaxRoundWithParticipants(ctx context.Context) (int, error) {
	return s.driver.MaxRoundWithParticipants(ctx)
}
