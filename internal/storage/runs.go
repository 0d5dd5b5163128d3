package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renga/internal/model"
)

const runColumns = `id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	var threadID *string
	err := row.Scan(&r.ID, &threadID, &r.AssistantID, &r.Status, &r.Metadata,
		&r.Kwargs, &r.MultitaskStrategy, &r.CreatedAt, &r.UpdatedAt)
	if threadID != nil {
		r.ThreadID = *threadID
	}
	return r, err
}

// CreateRun inserts a new run in status pending.
func (db *Postgres) CreateRun(ctx context.Context, r model.Run) (model.Run, error) {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = model.NewRunID()
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	if len(r.Kwargs) == 0 {
		r.Kwargs = []byte(`{}`)
	}
	r.Status = model.RunStatusPending
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := db.pool.Exec(ctx, `
		INSERT INTO runs (id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, nullableString(r.ThreadID), r.AssistantID, r.Status, r.Metadata,
		r.Kwargs, r.MultitaskStrategy, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return r, nil
}

// GetRun retrieves a run on a thread visible to owner. Stateless runs are
// looked up with an empty threadID.
func (db *Postgres) GetRun(ctx context.Context, threadID, runID, owner string) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE id = $1 AND ($2 = '' OR thread_id = $2)
		AND (metadata->>'owner' = $3 OR metadata->>'owner' = $4)`,
		runID, threadID, owner, model.SharedOwner,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRuns lists a thread's runs visible to owner, newest first.
func (db *Postgres) ListRuns(ctx context.Context, threadID, owner string, limit, offset int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE thread_id = $1
		AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		threadID, owner, model.SharedOwner, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	out := []model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRun removes a run visible to owner.
func (db *Postgres) DeleteRun(ctx context.Context, threadID, runID, owner string) error {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM runs
		WHERE id = $1 AND ($2 = '' OR thread_id = $2)
		AND (metadata->>'owner' = $3 OR metadata->>'owner' = $4)`,
		runID, threadID, owner, model.SharedOwner,
	)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRun returns the oldest pending or running run on the thread.
func (db *Postgres) ActiveRun(ctx context.Context, threadID string) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE thread_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at ASC LIMIT 1`,
		threadID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: active run: %w", err)
	}
	return r, nil
}

// SetRunStatus applies a monotonic status transition. The guard lives in the
// WHERE clause so a concurrent transition cannot resurrect a terminal run.
func (db *Postgres) SetRunStatus(ctx context.Context, runID string, to model.RunStatus) (model.Run, error) {
	fromStates := []string{string(model.RunStatusPending), string(model.RunStatusRunning)}
	if to == model.RunStatusRunning {
		fromStates = []string{string(model.RunStatusPending)}
	}

	r, err := scanRun(db.pool.QueryRow(ctx, `
		UPDATE runs SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)
		RETURNING `+runColumns,
		to, time.Now().UTC(), runID, fromStates,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: set run status: %w", err)
	}

	// Zero rows: distinguish a missing run from a refused transition.
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID,
	).Scan(&exists); err != nil {
		return model.Run{}, fmt.Errorf("storage: set run status: %w", err)
	}
	if !exists {
		return model.Run{}, ErrNotFound
	}
	return model.Run{}, ErrTerminal
}
