package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renga/internal/model"
)

const threadColumns = `id, metadata, status, "values", created_at, updated_at`

func scanThread(row pgx.Row) (model.Thread, error) {
	var t model.Thread
	err := row.Scan(&t.ID, &t.Metadata, &t.Status, &t.Values, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateThread inserts a new thread. A caller-supplied ID is used verbatim;
// inserting an existing ID returns the stored thread unchanged so implicit
// creation (if_not_exists=create) stays idempotent.
func (db *Postgres) CreateThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = model.NewThreadID()
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Status = model.ThreadStatusIdle
	t.CreatedAt = now
	t.UpdatedAt = now

	out, err := scanThread(db.pool.QueryRow(ctx, `
		INSERT INTO threads (id, metadata, status, "values", created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET id = threads.id
		RETURNING `+threadColumns,
		t.ID, t.Metadata, t.Status, t.Values, t.CreatedAt, t.UpdatedAt,
	))
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: create thread: %w", err)
	}
	return out, nil
}

// GetThread retrieves a thread visible to owner.
func (db *Postgres) GetThread(ctx context.Context, id, owner string) (model.Thread, error) {
	t, err := scanThread(db.pool.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)`,
		id, owner, model.SharedOwner,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, ErrNotFound
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

// SearchThreads lists threads visible to owner, newest first.
func (db *Postgres) SearchThreads(ctx context.Context, owner string, f model.SearchRequest) ([]model.Thread, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE (metadata->>'owner' = $1 OR metadata->>'owner' = $2)
		AND ($3 = '' OR status = $3)
		AND ($4::jsonb IS NULL OR metadata @> $4::jsonb)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`,
		owner, model.SharedOwner, f.Status, nullableJSON(f.Metadata), f.Limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search threads: %w", err)
	}
	defer rows.Close()

	out := []model.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountThreads counts threads visible to owner matching the filter.
func (db *Postgres) CountThreads(ctx context.Context, owner string, f model.SearchRequest) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `
		SELECT count(*) FROM threads
		WHERE (metadata->>'owner' = $1 OR metadata->>'owner' = $2)
		AND ($3 = '' OR status = $3)
		AND ($4::jsonb IS NULL OR metadata @> $4::jsonb)`,
		owner, model.SharedOwner, f.Status, nullableJSON(f.Metadata),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count threads: %w", err)
	}
	return n, nil
}

// UpdateThread merges metadata into a thread visible to owner.
func (db *Postgres) UpdateThread(ctx context.Context, id, owner string, patch model.UpdateThreadRequest) (model.Thread, error) {
	current, err := db.GetThread(ctx, id, owner)
	if err != nil {
		return model.Thread{}, err
	}
	merged := mergeMetadata(current.Metadata, patch.Metadata)

	t, err := scanThread(db.pool.QueryRow(ctx, `
		UPDATE threads SET metadata = $1, updated_at = $2
		WHERE id = $3 AND (metadata->>'owner' = $4 OR metadata->>'owner' = $5)
		RETURNING `+threadColumns,
		merged, time.Now().UTC(), id, owner, model.SharedOwner,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, ErrNotFound
		}
		return model.Thread{}, fmt.Errorf("storage: update thread: %w", err)
	}
	return t, nil
}

// DeleteThread removes a thread visible to owner. State history and runs go
// with it via ON DELETE CASCADE.
func (db *Postgres) DeleteThread(ctx context.Context, id, owner string) error {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM threads
		WHERE id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)`,
		id, owner, model.SharedOwner,
	)
	if err != nil {
		return fmt.Errorf("storage: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreadStatus updates the thread's lifecycle status without owner
// scoping; the run engine drives these transitions.
func (db *Postgres) SetThreadStatus(ctx context.Context, threadID string, status model.ThreadStatus) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE threads SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), threadID,
	)
	if err != nil {
		return fmt.Errorf("storage: set thread status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendThreadState appends a snapshot and refreshes the thread's
// materialized values and status.
func (db *Postgres) AppendThreadState(ctx context.Context, threadID, owner string, snap model.StateSnapshot, status model.ThreadStatus) error {
	if _, err := db.GetThread(ctx, threadID, owner); err != nil {
		return err
	}
	now := time.Now().UTC()
	if snap.CheckpointID == "" {
		snap.CheckpointID = model.NewCheckpointID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	if snap.Next == nil {
		snap.Next = []string{}
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO thread_states (thread_id, "values", next, checkpoint_id, parent_checkpoint_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		threadID, snap.Values, snap.Next, snap.CheckpointID, nullableString(snap.ParentCheckpointID), snap.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: append thread state: %w", err)
	}
	if _, err := db.pool.Exec(ctx, `
		UPDATE threads SET "values" = $1, status = $2, updated_at = $3 WHERE id = $4`,
		snap.Values, status, now, threadID,
	); err != nil {
		return fmt.Errorf("storage: update thread values: %w", err)
	}
	return nil
}

// ThreadHistory returns state snapshots newest-first.
func (db *Postgres) ThreadHistory(ctx context.Context, threadID, owner string, limit int, before string) ([]model.StateSnapshot, error) {
	if _, err := db.GetThread(ctx, threadID, owner); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `
		SELECT "values", next, checkpoint_id, parent_checkpoint_id, created_at
		FROM thread_states
		WHERE thread_id = $1
		AND ($2 = '' OR created_at < (
			SELECT created_at FROM thread_states WHERE thread_id = $1 AND checkpoint_id = $2
		))
		ORDER BY created_at DESC
		LIMIT $3`,
		threadID, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: thread history: %w", err)
	}
	defer rows.Close()

	out := []model.StateSnapshot{}
	for rows.Next() {
		var snap model.StateSnapshot
		var parent *string
		if err := rows.Scan(&snap.Values, &snap.Next, &snap.CheckpointID, &parent, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan thread state: %w", err)
		}
		if parent != nil {
			snap.ParentCheckpointID = *parent
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestThreadState returns the most recent snapshot without owner scoping.
// This is the graph engine's state accessor; callers have already passed an
// owner check on the thread itself.
func (db *Postgres) LatestThreadState(ctx context.Context, threadID string) (model.StateSnapshot, error) {
	var snap model.StateSnapshot
	var parent *string
	err := db.pool.QueryRow(ctx, `
		SELECT "values", next, checkpoint_id, parent_checkpoint_id, created_at
		FROM thread_states WHERE thread_id = $1
		ORDER BY created_at DESC LIMIT 1`,
		threadID,
	).Scan(&snap.Values, &snap.Next, &snap.CheckpointID, &parent, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StateSnapshot{}, ErrNotFound
		}
		return model.StateSnapshot{}, fmt.Errorf("storage: latest thread state: %w", err)
	}
	if parent != nil {
		snap.ParentCheckpointID = *parent
	}
	return snap, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
