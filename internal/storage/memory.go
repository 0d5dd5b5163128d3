package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/renga/internal/model"
)

// Memory is the in-memory Store fallback used when no DATABASE_URL is
// configured. Nothing survives a restart; it exists so the server can run in
// development and tests without Postgres.
type Memory struct {
	mu         sync.RWMutex
	assistants map[string]model.Assistant
	threads    map[string]model.Thread
	states     map[string][]model.StateSnapshot
	runs       map[string]model.Run
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		assistants: map[string]model.Assistant{},
		threads:    map[string]model.Thread{},
		states:     map[string][]model.StateSnapshot{},
		runs:       map[string]model.Run{},
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close(context.Context) {}

// clone deep-copies a JSON-shaped value so callers cannot mutate stored
// state through returned maps.
func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (m *Memory) PutAssistant(_ context.Context, a model.Assistant) (model.Assistant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = model.NewAssistantID()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}

	if existing, ok := m.assistants[a.ID]; ok {
		existing.GraphID = a.GraphID
		existing.Config = a.Config
		existing.Metadata = mergeMetadata(existing.Metadata, a.Metadata)
		existing.Version++
		existing.UpdatedAt = now
		m.assistants[a.ID] = clone(existing)
		return clone(existing), false, nil
	}

	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	m.assistants[a.ID] = clone(a)
	return clone(a), true, nil
}

func (m *Memory) GetAssistant(_ context.Context, id, owner string) (model.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assistants[id]
	if !ok || !visible(model.Owner(a.Metadata), owner) {
		return model.Assistant{}, ErrNotFound
	}
	return clone(a), nil
}

func (m *Memory) SearchAssistants(_ context.Context, owner string, f model.SearchRequest) ([]model.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []model.Assistant{}
	for _, a := range m.assistants {
		if !visible(model.Owner(a.Metadata), owner) {
			continue
		}
		if f.GraphID != "" && a.GraphID != f.GraphID {
			continue
		}
		if !matchesMetadata(a.Metadata, f.Metadata) {
			continue
		}
		matched = append(matched, clone(a))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, f.Limit, f.Offset), nil
}

func (m *Memory) CountAssistants(ctx context.Context, owner string, f model.SearchRequest) (int, error) {
	f.Limit = model.MaxSearchLimit
	f.Offset = 0
	matched, err := m.SearchAssistants(ctx, owner, f)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (m *Memory) UpdateAssistant(_ context.Context, id, owner string, patch model.UpdateAssistantRequest) (model.Assistant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assistants[id]
	if !ok || !visible(model.Owner(a.Metadata), owner) {
		return model.Assistant{}, ErrNotFound
	}
	if patch.GraphID != nil {
		a.GraphID = *patch.GraphID
	}
	if patch.Config != nil {
		a.Config = *patch.Config
	}
	a.Metadata = mergeMetadata(a.Metadata, patch.Metadata)
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	m.assistants[id] = clone(a)
	return clone(a), nil
}

func (m *Memory) DeleteAssistant(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assistants[id]
	if !ok || !visible(model.Owner(a.Metadata), owner) {
		return ErrNotFound
	}
	delete(m.assistants, id)
	return nil
}

func (m *Memory) CreateThread(_ context.Context, t model.Thread) (model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = model.NewThreadID()
	}
	if existing, ok := m.threads[t.ID]; ok {
		return clone(existing), nil
	}
	now := time.Now().UTC()
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Status = model.ThreadStatusIdle
	t.CreatedAt = now
	t.UpdatedAt = now
	m.threads[t.ID] = clone(t)
	return clone(t), nil
}

func (m *Memory) GetThread(_ context.Context, id, owner string) (model.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok || !visible(model.Owner(t.Metadata), owner) {
		return model.Thread{}, ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) SearchThreads(_ context.Context, owner string, f model.SearchRequest) ([]model.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []model.Thread{}
	for _, t := range m.threads {
		if !visible(model.Owner(t.Metadata), owner) {
			continue
		}
		if f.Status != "" && string(t.Status) != f.Status {
			continue
		}
		if !matchesMetadata(t.Metadata, f.Metadata) {
			continue
		}
		matched = append(matched, clone(t))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, f.Limit, f.Offset), nil
}

func (m *Memory) CountThreads(ctx context.Context, owner string, f model.SearchRequest) (int, error) {
	f.Limit = model.MaxSearchLimit
	f.Offset = 0
	matched, err := m.SearchThreads(ctx, owner, f)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (m *Memory) UpdateThread(_ context.Context, id, owner string, patch model.UpdateThreadRequest) (model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok || !visible(model.Owner(t.Metadata), owner) {
		return model.Thread{}, ErrNotFound
	}
	t.Metadata = mergeMetadata(t.Metadata, patch.Metadata)
	t.UpdatedAt = time.Now().UTC()
	m.threads[id] = clone(t)
	return clone(t), nil
}

func (m *Memory) DeleteThread(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok || !visible(model.Owner(t.Metadata), owner) {
		return ErrNotFound
	}
	delete(m.threads, id)
	delete(m.states, id)
	for runID, r := range m.runs {
		if r.ThreadID == id {
			delete(m.runs, runID)
		}
	}
	return nil
}

func (m *Memory) SetThreadStatus(_ context.Context, threadID string, status model.ThreadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	m.threads[threadID] = t
	return nil
}

func (m *Memory) AppendThreadState(_ context.Context, threadID, owner string, snap model.StateSnapshot, status model.ThreadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok || !visible(model.Owner(t.Metadata), owner) {
		return ErrNotFound
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
	m.states[threadID] = append(m.states[threadID], clone(snap))

	t.Values = clone(snap.Values)
	t.Status = status
	t.UpdatedAt = now
	m.threads[threadID] = t
	return nil
}

func (m *Memory) ThreadHistory(_ context.Context, threadID, owner string, limit int, before string) ([]model.StateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[threadID]
	if !ok || !visible(model.Owner(t.Metadata), owner) {
		return nil, ErrNotFound
	}

	history := m.states[threadID]
	cutoff := len(history)
	if before != "" {
		for i, snap := range history {
			if snap.CheckpointID == before {
				cutoff = i
				break
			}
		}
	}

	out := []model.StateSnapshot{}
	for i := cutoff - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(history[i]))
	}
	return out, nil
}

func (m *Memory) LatestThreadState(_ context.Context, threadID string) (model.StateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.states[threadID]
	if len(history) == 0 {
		return model.StateSnapshot{}, ErrNotFound
	}
	return clone(history[len(history)-1]), nil
}

func (m *Memory) CreateRun(_ context.Context, r model.Run) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

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
	m.runs[r.ID] = clone(r)
	return clone(r), nil
}

func (m *Memory) GetRun(_ context.Context, threadID, runID, owner string) (model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID]
	if !ok || !visible(model.Owner(r.Metadata), owner) {
		return model.Run{}, ErrNotFound
	}
	if threadID != "" && r.ThreadID != threadID {
		return model.Run{}, ErrNotFound
	}
	return clone(r), nil
}

func (m *Memory) ListRuns(_ context.Context, threadID, owner string, limit, offset int) ([]model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []model.Run{}
	for _, r := range m.runs {
		if r.ThreadID != threadID || !visible(model.Owner(r.Metadata), owner) {
			continue
		}
		matched = append(matched, clone(r))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, limit, offset), nil
}

func (m *Memory) DeleteRun(_ context.Context, threadID, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok || !visible(model.Owner(r.Metadata), owner) {
		return ErrNotFound
	}
	if threadID != "" && r.ThreadID != threadID {
		return ErrNotFound
	}
	delete(m.runs, runID)
	return nil
}

func (m *Memory) ActiveRun(_ context.Context, threadID string) (model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *model.Run
	for _, r := range m.runs {
		if r.ThreadID != threadID || !r.Status.Active() {
			continue
		}
		r := r
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &r
		}
	}
	if oldest == nil {
		return model.Run{}, ErrNotFound
	}
	return clone(*oldest), nil
}

func (m *Memory) SetRunStatus(_ context.Context, runID string, to model.RunStatus) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	if !model.CanTransition(r.Status, to) {
		return model.Run{}, ErrTerminal
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	m.runs[runID] = clone(r)
	return clone(r), nil
}

// paginate applies limit/offset to an already sorted slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
