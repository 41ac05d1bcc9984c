package store

import (
	"context"
	"time"
)

// AnnouncementStatus is the broadcast lifecycle of an announcement.
type AnnouncementStatus string

const (
	AnnouncementPending AnnouncementStatus = "pending"
	AnnouncementSending AnnouncementStatus = "sending"
	AnnouncementSent    AnnouncementStatus = "sent"
	AnnouncementFailed  AnnouncementStatus = "failed"
)

// Announcement is a broadcast targeted at a user group.
type Announcement struct {
	ID              int64
	SourceMessageID int
	Text            string
	UserGroupID     *int64
	Status          AnnouncementStatus
	CreatedAt       time.Time
}

// UserGroup is a named snapshot of users selected for a broadcast.
type UserGroup struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

func (s *Store) CreateAnnouncement(ctx context.Context, create *Announcement) (*Announcement, error) {
	return s.driver.CreateAnnouncement(ctx, create)
}

func (s *Store) GetAnnouncementBySource(ctx context.Context, sourceMessageID int) (*Announcement, error) {
	return s.driver.GetAnnouncementBySource(ctx, sourceMessageID)
}

func (s *Store) UpdateAnnouncementStatus(ctx context.Context, id int64, status AnnouncementStatus, userGroupID *int64) error {
	return s.driver.UpdateAnnouncementStatus(ctx, id, status, userGroupID)
}

func (s *Store) CreateUserGroup(ctx context.Context, name string, memberIDs []int64) (*UserGroup, error) {
	return s.driver.CreateUserGroup(ctx, name, memberIDs)
}

func (s *Store) ListUserGroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	return s.driver.ListUserGroupMembers(ctx, groupID)
}
