package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

const generationFields = `id, chat_id, match_id, scheduled_for, status, started_at, cached_input_tokens, input_tokens, output_tokens, cost_usd, response_id, placeholder_message_id, created_at`

func scanGeneration(row interface{ Scan(...any) error }) (*store.Generation, error) {
	var g store.Generation
	err := row.Scan(
		&g.ID,
		&g.ChatID,
		&g.MatchID,
		&g.ScheduledFor,
		&g.Status,
		&g.StartedAt,
		&g.CachedInputTokens,
		&g.InputTokens,
		&g.OutputTokens,
		&g.CostUSD,
		&g.ResponseID,
		&g.PlaceholderMessageID,
		&g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (d *DB) CreateGeneration(ctx context.Context, create *store.Generation) (*store.Generation, error) {
	if (create.ChatID == nil) == (create.MatchID == nil) {
		return nil, errors.New("generation must reference exactly one of chat and match")
	}
	stmt := `
		INSERT INTO generations (chat_id, match_id, scheduled_for, status, placeholder_message_id)
		VALUES (` + placeholders(5) + `)
		RETURNING ` + generationFields
	status := create.Status
	if status == "" {
		status = store.GenerationPending
	}
	g, err := scanGeneration(d.db.QueryRowContext(ctx, stmt,
		create.ChatID, create.MatchID, create.ScheduledFor.UTC(), status, create.PlaceholderMessageID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create generation")
	}
	return g, nil
}

func (d *DB) GetGeneration(ctx context.Context, id int64) (*store.Generation, error) {
	g, err := scanGeneration(d.db.QueryRowContext(ctx,
		`SELECT `+generationFields+` FROM generations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get generation")
	}
	return g, nil
}

func (d *DB) UpdateGeneration(ctx context.Context, update *store.UpdateGeneration) (*store.Generation, error) {
	set, args := []string{}, []any{}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.StartedAt != nil {
		set, args = append(set, "started_at = "+placeholder(len(args)+1)), append(args, update.StartedAt.UTC())
	}
	if update.CachedInputTokens != nil {
		set, args = append(set, "cached_input_tokens = "+placeholder(len(args)+1)), append(args, *update.CachedInputTokens)
	}
	if update.InputTokens != nil {
		set, args = append(set, "input_tokens = "+placeholder(len(args)+1)), append(args, *update.InputTokens)
	}
	if update.OutputTokens != nil {
		set, args = append(set, "output_tokens = "+placeholder(len(args)+1)), append(args, *update.OutputTokens)
	}
	if update.CostUSD != nil {
		set, args = append(set, "cost_usd = "+placeholder(len(args)+1)), append(args, *update.CostUSD)
	}
	if update.ResponseID != nil {
		set, args = append(set, "response_id = "+placeholder(len(args)+1)), append(args, *update.ResponseID)
	}
	if update.SetPlaceholderMessageID {
		set, args = append(set, "placeholder_message_id = "+placeholder(len(args)+1)), append(args, update.PlaceholderMessageID)
	}
	if len(set) == 0 {
		return d.GetGeneration(ctx, update.ID)
	}

	args = append(args, update.ID)
	stmt := `
		UPDATE generations SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + generationFields
	g, err := scanGeneration(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update generation")
	}
	return g, nil
}

func (d *DB) NextPendingGeneration(ctx context.Context, now time.Time) (*store.Generation, error) {
	stmt := `
		SELECT ` + generationFields + `
		FROM generations
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC, id ASC
		LIMIT 1`
	g, err := scanGeneration(d.db.QueryRowContext(ctx, stmt, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next pending generation")
	}
	return g, nil
}

func (d *DB) MinPendingScheduledFor(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	err := d.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_for) FROM generations WHERE status = 'pending'`,
	).Scan(&ts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get min pending scheduled_for")
	}
	return ts, nil
}

func (d *DB) MaxScheduledFor(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	err := d.db.QueryRowContext(ctx, `SELECT MAX(scheduled_for) FROM generations`).Scan(&ts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get max scheduled_for")
	}
	return ts, nil
}

func (d *DB) LastCostGeneration(ctx context.Context) (*store.Generation, error) {
	stmt := `
		SELECT ` + generationFields + `
		FROM generations
		WHERE cost_usd IS NOT NULL AND started_at IS NOT NULL
		ORDER BY started_at DESC, id DESC
		LIMIT 1`
	g, err := scanGeneration(d.db.QueryRowContext(ctx, stmt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get last cost generation")
	}
	return g, nil
}

func (d *DB) LatestChatGeneration(ctx context.Context, chatID int64) (*store.Generation, error) {
	stmt := `
		SELECT ` + generationFields + `
		FROM generations
		WHERE chat_id = $1
		ORDER BY id DESC
		LIMIT 1`
	g, err := scanGeneration(d.db.QueryRowContext(ctx, stmt, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest chat generation")
	}
	return g, nil
}
