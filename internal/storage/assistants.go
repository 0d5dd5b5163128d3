package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renga/internal/model"
)

const assistantColumns = `id, graph_id, config, metadata, version, created_at, updated_at`

func scanAssistant(row pgx.Row) (model.Assistant, error) {
	var a model.Assistant
	err := row.Scan(&a.ID, &a.GraphID, &a.Config, &a.Metadata, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// PutAssistant inserts a new assistant or upserts an existing one by ID.
// Upsert keeps created_at, merges metadata, replaces graph_id and config,
// and increments version so re-syncs from external systems stay idempotent.
func (db *Postgres) PutAssistant(ctx context.Context, a model.Assistant) (model.Assistant, bool, error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = model.NewAssistantID()
	}
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO assistants (id, graph_id, config, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			graph_id = EXCLUDED.graph_id,
			config = EXCLUDED.config,
			metadata = assistants.metadata || EXCLUDED.metadata,
			version = assistants.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING `+assistantColumns+`, (created_at = updated_at) AS inserted`,
		a.ID, a.GraphID, a.Config, a.Metadata, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	var out model.Assistant
	var inserted bool
	if err := row.Scan(&out.ID, &out.GraphID, &out.Config, &out.Metadata, &out.Version,
		&out.CreatedAt, &out.UpdatedAt, &inserted); err != nil {
		return model.Assistant{}, false, fmt.Errorf("storage: put assistant: %w", err)
	}
	return out, inserted, nil
}

// GetAssistant retrieves an assistant visible to owner.
func (db *Postgres) GetAssistant(ctx context.Context, id, owner string) (model.Assistant, error) {
	a, err := scanAssistant(db.pool.QueryRow(ctx, `
		SELECT `+assistantColumns+` FROM assistants
		WHERE id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)`,
		id, owner, model.SharedOwner,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assistant{}, ErrNotFound
		}
		return model.Assistant{}, fmt.Errorf("storage: get assistant: %w", err)
	}
	return a, nil
}

// SearchAssistants lists assistants visible to owner, newest first.
func (db *Postgres) SearchAssistants(ctx context.Context, owner string, f model.SearchRequest) ([]model.Assistant, error) {
	query := `
		SELECT ` + assistantColumns + ` FROM assistants
		WHERE (metadata->>'owner' = $1 OR metadata->>'owner' = $2)
		AND ($3 = '' OR graph_id = $3)
		AND ($4::jsonb IS NULL OR metadata @> $4::jsonb)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`
	rows, err := db.pool.Query(ctx, query,
		owner, model.SharedOwner, f.GraphID, nullableJSON(f.Metadata), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("storage: search assistants: %w", err)
	}
	defer rows.Close()

	out := []model.Assistant{}
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan assistant: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAssistants counts assistants visible to owner matching the filter.
func (db *Postgres) CountAssistants(ctx context.Context, owner string, f model.SearchRequest) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `
		SELECT count(*) FROM assistants
		WHERE (metadata->>'owner' = $1 OR metadata->>'owner' = $2)
		AND ($3 = '' OR graph_id = $3)
		AND ($4::jsonb IS NULL OR metadata @> $4::jsonb)`,
		owner, model.SharedOwner, f.GraphID, nullableJSON(f.Metadata),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count assistants: %w", err)
	}
	return n, nil
}

// UpdateAssistant applies a partial update and increments version.
func (db *Postgres) UpdateAssistant(ctx context.Context, id, owner string, patch model.UpdateAssistantRequest) (model.Assistant, error) {
	current, err := db.GetAssistant(ctx, id, owner)
	if err != nil {
		return model.Assistant{}, err
	}
	if patch.GraphID != nil {
		current.GraphID = *patch.GraphID
	}
	if patch.Config != nil {
		current.Config = *patch.Config
	}
	current.Metadata = mergeMetadata(current.Metadata, patch.Metadata)

	a, err := scanAssistant(db.pool.QueryRow(ctx, `
		UPDATE assistants SET
			graph_id = $1, config = $2, metadata = $3,
			version = version + 1, updated_at = $4
		WHERE id = $5 AND (metadata->>'owner' = $6 OR metadata->>'owner' = $7)
		RETURNING `+assistantColumns,
		current.GraphID, current.Config, current.Metadata, time.Now().UTC(),
		id, owner, model.SharedOwner,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assistant{}, ErrNotFound
		}
		return model.Assistant{}, fmt.Errorf("storage: update assistant: %w", err)
	}
	return a, nil
}

// DeleteAssistant removes an assistant visible to owner. Runs referencing it
// are left in place; orphaned runs are an accepted gap of hard delete.
func (db *Postgres) DeleteAssistant(ctx context.Context, id, owner string) error {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM assistants
		WHERE id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)`,
		id, owner, model.SharedOwner,
	)
	if err != nil {
		return fmt.Errorf("storage: delete assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON returns nil for an empty filter so the SQL predicate
// short-circuits, and the map otherwise (pgx encodes it as jsonb).
func nullableJSON(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
