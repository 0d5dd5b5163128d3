// Package storage provides the resource store for Renga: owner-scoped CRUD
// and search over assistants, threads and runs, plus the append-only thread
// state history.
//
// Two backends implement Store: Postgres (the backend of record, via
// pgxpool) and Memory (mutex-guarded maps for environments without a
// DATABASE_URL). Visibility is two-tier everywhere: a resource is visible
// when its owner equals the caller or equals model.SharedOwner, so
// organization-wide assistants are readable by all authenticated callers
// while user-created resources stay private.
package storage

import (
	"context"
	"errors"
	"reflect"

	"github.com/ashita-ai/renga/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist or is not
// visible to the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("storage: not found")

// ErrTerminal is returned when a status transition targets a run that has
// already reached a terminal state.
var ErrTerminal = errors.New("storage: run already terminal")

// Store is the resource store contract shared by both backends.
type Store interface {
	// PutAssistant inserts or upserts an assistant. The caller-supplied ID is
	// used verbatim; a conflicting ID replaces config and graph_id, merges
	// metadata and increments version (idempotent re-sync). The returned bool
	// is true when a new row was created.
	PutAssistant(ctx context.Context, a model.Assistant) (model.Assistant, bool, error)
	GetAssistant(ctx context.Context, id, owner string) (model.Assistant, error)
	SearchAssistants(ctx context.Context, owner string, f model.SearchRequest) ([]model.Assistant, error)
	CountAssistants(ctx context.Context, owner string, f model.SearchRequest) (int, error)
	// UpdateAssistant applies a partial update, increments version and merges
	// (not replaces) metadata.
	UpdateAssistant(ctx context.Context, id, owner string, patch model.UpdateAssistantRequest) (model.Assistant, error)
	DeleteAssistant(ctx context.Context, id, owner string) error

	CreateThread(ctx context.Context, t model.Thread) (model.Thread, error)
	GetThread(ctx context.Context, id, owner string) (model.Thread, error)
	SearchThreads(ctx context.Context, owner string, f model.SearchRequest) ([]model.Thread, error)
	CountThreads(ctx context.Context, owner string, f model.SearchRequest) (int, error)
	UpdateThread(ctx context.Context, id, owner string, patch model.UpdateThreadRequest) (model.Thread, error)
	// DeleteThread cascades to the thread's state history and runs.
	DeleteThread(ctx context.Context, id, owner string) error
	// SetThreadStatus updates only the thread's lifecycle status. Unscoped:
	// the run engine transitions threads regardless of caller.
	SetThreadStatus(ctx context.Context, threadID string, status model.ThreadStatus) error
	// AppendThreadState appends a snapshot to the history and updates the
	// thread's materialized values and status in the same call.
	AppendThreadState(ctx context.Context, threadID, owner string, snap model.StateSnapshot, status model.ThreadStatus) error
	// ThreadHistory returns snapshots newest-first. A non-empty before
	// restricts results to snapshots older than that checkpoint.
	ThreadHistory(ctx context.Context, threadID, owner string, limit int, before string) ([]model.StateSnapshot, error)
	// LatestThreadState is the graph engine's unscoped state accessor: the
	// most recent snapshot, or ErrNotFound when the thread has no history.
	LatestThreadState(ctx context.Context, threadID string) (model.StateSnapshot, error)

	CreateRun(ctx context.Context, r model.Run) (model.Run, error)
	GetRun(ctx context.Context, threadID, runID, owner string) (model.Run, error)
	ListRuns(ctx context.Context, threadID, owner string, limit, offset int) ([]model.Run, error)
	DeleteRun(ctx context.Context, threadID, runID, owner string) error
	// ActiveRun returns the oldest pending or running run on the thread, or
	// ErrNotFound when the thread is quiet.
	ActiveRun(ctx context.Context, threadID string) (model.Run, error)
	// SetRunStatus applies a monotonic status transition. Returns ErrTerminal
	// when the run has already reached a terminal state.
	SetRunStatus(ctx context.Context, runID string, to model.RunStatus) (model.Run, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// visible reports whether a resource owned by resourceOwner may be read by
// caller under the two-tier visibility rule.
func visible(resourceOwner, caller string) bool {
	return resourceOwner == caller || resourceOwner == model.SharedOwner
}

// mergeMetadata merges patch into base without mutating either map. The
// owner key is preserved from base: updates never reassign ownership.
func mergeMetadata(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if k == model.MetadataOwnerKey {
			continue
		}
		merged[k] = v
	}
	return merged
}

// matchesMetadata reports whether every key/value pair of filter is present
// in metadata. Used by the memory backend; Postgres uses the @> operator.
func matchesMetadata(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
