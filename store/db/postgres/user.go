package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

const userFields = `telegram_id, state, is_seeker, is_provider, matching_summary, practical_context, private_observations, embedding, profiler_version, profile_updated_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var user store.User
	var vector *pgvector.Vector
	err := row.Scan(
		&user.TelegramID,
		&user.State,
		&user.IsSeeker,
		&user.IsProvider,
		&user.MatchingSummary,
		&user.PracticalContext,
		&user.PrivateObservations,
		&vector,
		&user.ProfilerVersion,
		&user.ProfileUpdatedAt,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if vector != nil {
		user.Embedding = vector.Slice()
	}
	return &user, nil
}

func (d *DB) GetOrCreateUser(ctx context.Context, telegramID int64) (*store.User, error) {
	stmt := `
		INSERT INTO users (telegram_id)
		VALUES ($1)
		ON CONFLICT (telegram_id) DO UPDATE SET telegram_id = EXCLUDED.telegram_id
		RETURNING ` + userFields
	user, err := scanUser(d.db.QueryRowContext(ctx, stmt, telegramID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get or create user")
	}
	return user, nil
}

func (d *DB) GetUser(ctx context.Context, telegramID int64) (*store.User, error) {
	stmt := `SELECT ` + userFields + ` FROM users WHERE telegram_id = $1`
	user, err := scanUser(d.db.QueryRowContext(ctx, stmt, telegramID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}
	return user, nil
}

func (d *DB) UpdateUser(ctx context.Context, update *store.UpdateUser) (*store.User, error) {
	set, args := []string{}, []any{}
	if update.State != nil {
		set, args = append(set, "state = "+placeholder(len(args)+1)), append(args, *update.State)
	}
	if update.IsSeeker != nil {
		set, args = append(set, "is_seeker = "+placeholder(len(args)+1)), append(args, *update.IsSeeker)
	}
	if update.IsProvider != nil {
		set, args = append(set, "is_provider = "+placeholder(len(args)+1)), append(args, *update.IsProvider)
	}
	if update.MatchingSummary != nil {
		set, args = append(set, "matching_summary = "+placeholder(len(args)+1)), append(args, *update.MatchingSummary)
	}
	if update.PracticalContext != nil {
		set, args = append(set, "practical_context = "+placeholder(len(args)+1)), append(args, *update.PracticalContext)
	}
	if update.PrivateObservations != nil {
		set, args = append(set, "private_observations = "+placeholder(len(args)+1)), append(args, *update.PrivateObservations)
	}
	if update.Embedding != nil {
		set, args = append(set, "embedding = "+placeholder(len(args)+1)), append(args, pgvector.NewVector(update.Embedding))
	}
	if update.ProfilerVersion != nil {
		set, args = append(set, "profiler_version = "+placeholder(len(args)+1)), append(args, *update.ProfilerVersion)
	}
	if update.ProfileUpdatedAt != nil {
		set, args = append(set, "profile_updated_at = "+placeholder(len(args)+1)), append(args, *update.ProfileUpdatedAt)
	}
	if len(set) == 0 {
		return d.GetUser(ctx, update.TelegramID)
	}

	args = append(args, update.TelegramID)
	stmt := `
		UPDATE users SET ` + strings.Join(set, ", ") + `
		WHERE telegram_id = ` + placeholder(len(args)) + `
		RETURNING ` + userFields
	user, err := scanUser(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update user")
	}
	return user, nil
}

// ResetUser wipes the profile and returns the user to onboarding. The chat is
// cleared alongside so the profiler starts from nothing.
func (d *DB) ResetUser(ctx context.Context, telegramID int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin reset")
	}
	defer tx.Rollback()

	stmt := `
		UPDATE users SET
			state = 'onboarding',
			is_seeker = NULL,
			is_provider = NULL,
			matching_summary = '',
			practical_context = '',
			private_observations = '',
			embedding = NULL,
			profiler_version = 0,
			profile_updated_at = NULL
		WHERE telegram_id = $1`
	result, err := tx.ExecContext(ctx, stmt, telegramID)
	if err != nil {
		return errors.Wrap(err, "failed to reset user")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	stmt = `
		UPDATE chats SET
			history = '[]'::jsonb,
			user_prompt = NULL,
			continuation_token = NULL,
			status_message_id = NULL
		WHERE user_id = $1`
	if _, err := tx.ExecContext(ctx, stmt, telegramID); err != nil {
		return errors.Wrap(err, "failed to reset chat")
	}

	return errors.Wrap(tx.Commit(), "failed to commit reset")
}

// NextUserForMatching picks the oldest-profile active user who is not blocked
// by a pending handshake and has not yet been user_a in the given round.
func (d *DB) NextUserForMatching(ctx context.Context, round int) (*store.User, error) {
	stmt := `
		SELECT ` + prefixFields("u", userFields) + `
		FROM users u
		WHERE u.state = 'active'
			AND u.embedding IS NOT NULL
			AND (COALESCE(u.is_seeker, false) OR COALESCE(u.is_provider, false))
			AND NOT EXISTS (
				SELECT 1 FROM matches m
				WHERE (m.user_a_id = u.telegram_id AND m.status IN ('qualified', 'b_accepted'))
					OR (m.user_b_id = u.telegram_id AND m.status IN ('qualified', 'a_accepted'))
			)
			AND NOT EXISTS (
				SELECT 1 FROM matches m2
				WHERE m2.user_a_id = u.telegram_id AND m2.matching_round = $1
			)
		ORDER BY u.profile_updated_at ASC NULLS LAST, u.telegram_id ASC
		LIMIT 1`
	user, err := scanUser(d.db.QueryRowContext(ctx, stmt, round))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to pick next user for matching")
	}
	return user, nil
}

// SimilarOppositeRoleUsers runs the pgvector cosine search. The <=> operator
// computes cosine distance, so similarity is 1 - distance and ordering by
// distance ascending yields most similar first.
func (d *DB) SimilarOppositeRoleUsers(ctx context.Context, user *store.User, threshold float64, k int, exclusions []int64) ([]*store.UserSimilarity, error) {
	if user.Embedding == nil {
		return nil, errors.New("probe user has no embedding")
	}
	if k <= 0 {
		k = 5
	}

	seeker := user.IsSeeker != nil && *user.IsSeeker
	provider := user.IsProvider != nil && *user.IsProvider
	vector := pgvector.NewVector(user.Embedding)

	stmt := `
		SELECT ` + prefixFields("u", userFields) + `,
			1 - (u.embedding <=> $1) AS similarity
		FROM users u
		WHERE u.telegram_id <> $2
			AND u.state IN ('active', 'updated')
			AND u.embedding IS NOT NULL
			AND (($3 AND COALESCE(u.is_provider, false)) OR ($4 AND COALESCE(u.is_seeker, false)))
			AND NOT (u.telegram_id = ANY ($5))
			AND 1 - (u.embedding <=> $1) >= $6
		ORDER BY u.embedding <=> $1
		LIMIT $7`

	rows, err := d.db.QueryContext(ctx, stmt,
		vector, user.TelegramID, seeker, provider, pq.Array(exclusions), threshold, k)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query similar users")
	}
	defer rows.Close()

	list := []*store.UserSimilarity{}
	for rows.Next() {
		var candidate store.User
		var vec *pgvector.Vector
		var similarity float64
		err := rows.Scan(
			&candidate.TelegramID,
			&candidate.State,
			&candidate.IsSeeker,
			&candidate.IsProvider,
			&candidate.MatchingSummary,
			&candidate.PracticalContext,
			&candidate.PrivateObservations,
			&vec,
			&candidate.ProfilerVersion,
			&candidate.ProfileUpdatedAt,
			&candidate.CreatedAt,
			&similarity,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan similar user")
		}
		if vec != nil {
			candidate.Embedding = vec.Slice()
		}
		list = append(list, &store.UserSimilarity{User: &candidate, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// MatchExclusionSet collects counterpart ids from prior matches. Disqualified
// pairs come back only while neither party has updated their profile since the
// match was created.
func (d *DB) MatchExclusionSet(ctx context.Context, user *store.User) ([]int64, error) {
	stmt := `
		SELECT DISTINCT CASE WHEN m.user_a_id = $1 THEN m.user_b_id ELSE m.user_a_id END
		FROM matches m
		JOIN users ua ON ua.telegram_id = m.user_a_id
		JOIN users ub ON ub.telegram_id = m.user_b_id
		WHERE (m.user_a_id = $1 OR m.user_b_id = $1)
			AND m.user_b_id IS NOT NULL
			AND (
				m.status <> 'disqualified'
				OR (
					COALESCE(ua.profile_updated_at <= m.latest_profile_updated_at, true)
					AND COALESCE(ub.profile_updated_at <= m.latest_profile_updated_at, true)
				)
			)`
	rows, err := d.db.QueryContext(ctx, stmt, user.TelegramID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query match exclusion set")
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan excluded id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *DB) ListUsersByStates(ctx context.Context, states []store.UserState) ([]*store.User, error) {
	values := make([]string, len(states))
	for i, s := range states {
		values[i] = string(s)
	}
	stmt := `SELECT ` + userFields + ` FROM users WHERE state = ANY ($1) ORDER BY telegram_id`
	rows, err := d.db.QueryContext(ctx, stmt, pq.Array(values))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users by state")
	}
	defer rows.Close()

	list := []*store.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		list = append(list, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// prefixFields qualifies a comma-separated field list with a table alias.
func prefixFields(alias, fields string) string {
	parts := strings.Split(fields, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
