package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

const announcementFields = `id, source_message_id, text, user_group_id, status, created_at`

func scanAnnouncement(row interface{ Scan(...any) error }) (*store.Announcement, error) {
	var a store.Announcement
	err := row.Scan(&a.ID, &a.SourceMessageID, &a.Text, &a.UserGroupID, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *DB) CreateAnnouncement(ctx context.Context, create *store.Announcement) (*store.Announcement, error) {
	status := create.Status
	if status == "" {
		status = store.AnnouncementPending
	}
	stmt := `
		INSERT INTO announcements (source_message_id, text, status)
		VALUES (` + placeholders(3) + `)
		ON CONFLICT (source_message_id) DO UPDATE SET text = EXCLUDED.text
		RETURNING ` + announcementFields
	a, err := scanAnnouncement(d.db.QueryRowContext(ctx, stmt, create.SourceMessageID, create.Text, status))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create announcement")
	}
	return a, nil
}

func (d *DB) GetAnnouncementBySource(ctx context.Context, sourceMessageID int) (*store.Announcement, error) {
	a, err := scanAnnouncement(d.db.QueryRowContext(ctx,
		`SELECT `+announcementFields+` FROM announcements WHERE source_message_id = $1`, sourceMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get announcement")
	}
	return a, nil
}

func (d *DB) UpdateAnnouncementStatus(ctx context.Context, id int64, status store.AnnouncementStatus, userGroupID *int64) error {
	stmt := `UPDATE announcements SET status = $2, user_group_id = COALESCE($3, user_group_id) WHERE id = $1`
	result, err := d.db.ExecContext(ctx, stmt, id, status, userGroupID)
	if err != nil {
		return errors.Wrap(err, "failed to update announcement status")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) CreateUserGroup(ctx context.Context, name string, memberIDs []int64) (*store.UserGroup, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var group store.UserGroup
	err = tx.QueryRowContext(ctx,
		`INSERT INTO user_groups (name) VALUES ($1) RETURNING id, name, created_at`, name,
	).Scan(&group.ID, &group.Name, &group.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user group")
	}

	for _, id := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_group_members (user_group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			group.ID, id,
		); err != nil {
			return nil, errors.Wrap(err, "failed to add user group member")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit user group")
	}
	return &group, nil
}

func (d *DB) ListUserGroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM user_group_members WHERE user_group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user group members")
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan member id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
