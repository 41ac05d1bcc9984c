// Package store provides database access to all raw objects.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/internal/profile"
)

// ErrNotFound is returned by typed getters when no row matches.
var ErrNotFound = errors.New("not found")

// Driver is the database-specific implementation behind the Store facade.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	// Users
	GetOrCreateUser(ctx context.Context, telegramID int64) (*User, error)
	GetUser(ctx context.Context, telegramID int64) (*User, error)
	UpdateUser(ctx context.Context, update *UpdateUser) (*User, error)
	ResetUser(ctx context.Context, telegramID int64) error
	NextUserForMatching(ctx context.Context, round int) (*User, error)
	SimilarOppositeRoleUsers(ctx context.Context, user *User, threshold float64, k int, exclusions []int64) ([]*UserSimilarity, error)
	MatchExclusionSet(ctx context.Context, user *User) ([]int64, error)
	ListUsersByStates(ctx context.Context, states []UserState) ([]*User, error)

	// Chats
	GetOrCreateChat(ctx context.Context, userID int64) (*Chat, error)
	GetChat(ctx context.Context, id int64) (*Chat, error)
	GetChatByUser(ctx context.Context, userID int64) (*Chat, error)
	UpdateChat(ctx context.Context, update *UpdateChat) (*Chat, error)
	AppendUserPrompt(ctx context.Context, chatID int64, text string) error
	ConsumeUserPrompt(ctx context.Context, chatID int64) (string, error)
	AppendChatHistory(ctx context.Context, chatID int64, messages ...Message) error

	// Generations
	CreateGeneration(ctx context.Context, create *Generation) (*Generation, error)
	GetGeneration(ctx context.Context, id int64) (*Generation, error)
	UpdateGeneration(ctx context.Context, update *UpdateGeneration) (*Generation, error)
	NextPendingGeneration(ctx context.Context, now time.Time) (*Generation, error)
	MinPendingScheduledFor(ctx context.Context) (*time.Time, error)
	MaxScheduledFor(ctx context.Context) (*time.Time, error)
	LastCostGeneration(ctx context.Context) (*Generation, error)
	LatestChatGeneration(ctx context.Context, chatID int64) (*Generation, error)

	// Matches
	CreateMatch(ctx context.Context, create *Match) (*Match, error)
	GetMatch(ctx context.Context, id int64) (*Match, error)
	UpdateMatch(ctx context.Context, update *UpdateMatch) (*Match, error)
	MaxRoundWithParticipants(ctx context.Context) (int, error)

	// Announcements
	CreateAnnouncement(ctx context.Context, create *Announcement) (*Announcement, error)
	GetAnnouncementBySource(ctx context.Context, sourceMessageID int) (*Announcement, error)
	UpdateAnnouncementStatus(ctx context.Context, id int64, status AnnouncementStatus, userGroupID *int64) error
	CreateUserGroup(ctx context.Context, name string, memberIDs []int64) (*UserGroup, error)
	ListUserGroupMembers(ctx context.Context, groupID int64) ([]int64, error)
}

// Store is the persistence facade used by all engines.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}
