package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

const matchFields = `id, user_a_id, user_b_id, similarity_score, match_rationale, matching_round, status, latest_profile_updated_at, created_at`

func scanMatch(row interface{ Scan(...any) error }) (*store.Match, error) {
	var m store.Match
	err := row.Scan(
		&m.ID,
		&m.UserAID,
		&m.UserBID,
		&m.SimilarityScore,
		&m.MatchRationale,
		&m.MatchingRound,
		&m.Status,
		&m.LatestProfileUpdatedAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *DB) CreateMatch(ctx context.Context, create *store.Match) (*store.Match, error) {
	round := create.MatchingRound
	if round < 1 {
		round = 1
	}
	status := create.Status
	if status == "" {
		status = store.MatchPending
	}
	stmt := `
		INSERT INTO matches (user_a_id, user_b_id, similarity_score, matching_round, status, latest_profile_updated_at)
		VALUES (` + placeholders(6) + `)
		RETURNING ` + matchFields
	m, err := scanMatch(d.db.QueryRowContext(ctx, stmt,
		create.UserAID, create.UserBID, create.SimilarityScore, round, status, create.LatestProfileUpdatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create match")
	}
	return m, nil
}

func (d *DB) GetMatch(ctx context.Context, id int64) (*store.Match, error) {
	m, err := scanMatch(d.db.QueryRowContext(ctx, `SELECT `+matchFields+` FROM matches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get match")
	}
	return m, nil
}

func (d *DB) UpdateMatch(ctx context.Context, update *store.UpdateMatch) (*store.Match, error) {
	set, args := []string{}, []any{}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.MatchRationale != nil {
		set, args = append(set, "match_rationale = "+placeholder(len(args)+1)), append(args, *update.MatchRationale)
	}
	if len(set) == 0 {
		return d.GetMatch(ctx, update.ID)
	}

	args = append(args, update.ID)
	stmt := `
		UPDATE matches SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + matchFields
	m, err := scanMatch(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update match")
	}
	return m, nil
}

func (d *DB) MaxRoundWithParticipants(ctx context.Context) (int, error) {
	var round *int
	err := d.db.QueryRowContext(ctx, `SELECT MAX(matching_round) FROM matches`).Scan(&round)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get max matching round")
	}
	if round == nil {
		return 0, nil
	}
	return *round, nil
}
