package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/renga/internal/graph"
	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/storage"
)

// Engine drives one admitted run through its lifecycle:
// resolving the graph, bridging the initial state, streaming events in the
// contractual order and persisting the final snapshot. A run moves through
// pending, running and exactly one terminal status; on failure the last good
// snapshot stays authoritative and no partial state is written.
type Engine struct {
	store    storage.Store
	registry *graph.Registry
	buffer   *Buffer
	logger   *slog.Logger
}

// NewEngine creates an engine. buffer may be nil.
func NewEngine(store storage.Store, registry *graph.Registry, buffer *Buffer, logger *slog.Logger) *Engine {
	return &Engine{store: store, registry: registry, buffer: buffer, logger: logger}
}

// admission is a fully resolved, persisted, pending run ready to execute.
type admission struct {
	run      model.Run
	owner    string
	threadID string
	graphID  string
	cfg      model.AssistantConfig
	input    map[string]any
}

// teeEmitter mirrors every delivered frame into the resumption buffer.
type teeEmitter struct {
	ctx    context.Context
	inner  Emitter
	buffer *Buffer
	runID  string
}

func (t teeEmitter) Emit(event string, data any) error {
	if err := t.inner.Emit(event, data); err != nil {
		return err
	}
	if t.buffer.Enabled() {
		raw, err := json.Marshal(data)
		if err == nil {
			t.buffer.Append(t.ctx, t.runID, event, raw)
		}
	}
	return nil
}

// stream executes the run, emitting events on emit. The event order per run
// is fixed: metadata, initial values, any number of messages/metadata,
// messages/partial and updates events, then the final values. Both values
// events are emitted even when the graph produces no output.
func (e *Engine) stream(ctx context.Context, adm admission, emit Emitter, canceled func() bool) error {
	out := teeEmitter{ctx: ctx, inner: emit, buffer: e.buffer, runID: adm.run.ID}

	runner, initial, parent, err := e.prepare(ctx, adm)
	if err != nil {
		e.fail(ctx, adm, err)
		return err
	}

	if started, err := e.markRunning(ctx, adm); err != nil || !started {
		return err
	}

	if err := out.Emit(EventMetadata, map[string]any{"run_id": adm.run.ID, "attempt": 1}); err != nil {
		e.fail(ctx, adm, err)
		return err
	}
	if err := out.Emit(EventValues, initial); err != nil {
		e.fail(ctx, adm, err)
		return err
	}

	final, err := runner.Stream(ctx, graph.Request{Values: initial, Config: adm.cfg, Canceled: canceled}, func(ev graph.Event) error {
		switch ev.Kind {
		case graph.KindMessageMetadata:
			return out.Emit(EventMessageMetadata, ev.Payload)
		case graph.KindMessagePartial:
			return out.Emit(EventMessagePartial, ev.Payload)
		case graph.KindUpdate:
			return out.Emit(EventUpdates, map[string]any{ev.Node: ev.Payload})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, graph.ErrCanceled) {
			// Cancellation already moved the run and thread to interrupted;
			// stop emitting and close out the stream.
			e.buffer.End(ctx, adm.run.ID)
			return nil
		}
		e.fail(ctx, adm, err)
		return err
	}

	if err := out.Emit(EventValues, final); err != nil {
		e.fail(ctx, adm, err)
		return err
	}
	if err := e.persist(ctx, adm, final, parent); err != nil {
		e.fail(ctx, adm, err)
		return err
	}
	e.buffer.End(ctx, adm.run.ID)
	return nil
}

// wait executes the run without event emission and returns the final state.
func (e *Engine) wait(ctx context.Context, adm admission, canceled func() bool) (map[string]any, error) {
	runner, initial, parent, err := e.prepare(ctx, adm)
	if err != nil {
		e.fail(ctx, adm, err)
		return nil, err
	}
	if started, err := e.markRunning(ctx, adm); err != nil {
		return nil, err
	} else if !started {
		return nil, graph.ErrCanceled
	}

	final, err := runner.Invoke(ctx, graph.Request{Values: initial, Config: adm.cfg, Canceled: canceled})
	if err != nil {
		if !errors.Is(err, graph.ErrCanceled) {
			e.fail(ctx, adm, err)
		}
		return nil, err
	}
	if err := e.persist(ctx, adm, final, parent); err != nil {
		e.fail(ctx, adm, err)
		return nil, err
	}
	return final, nil
}

// prepare resolves the graph runner and bridges the initial state.
func (e *Engine) prepare(ctx context.Context, adm admission) (graph.Runner, map[string]any, string, error) {
	runner, err := e.registry.Build(adm.graphID, adm.cfg)
	if err != nil {
		return nil, nil, "", err
	}

	var prior *model.StateSnapshot
	if adm.threadID != "" {
		snap, err := e.store.LatestThreadState(ctx, adm.threadID)
		switch {
		case err == nil:
			prior = &snap
		case !errors.Is(err, storage.ErrNotFound):
			return nil, nil, "", fmt.Errorf("run: reading thread state: %w", err)
		}
	}
	parent := ""
	if prior != nil {
		parent = prior.CheckpointID
	}
	return runner, bridgeValues(prior, adm.input), parent, nil
}

// markRunning transitions the run to running and the thread to busy. A false
// return without error means the run was canceled before it started.
func (e *Engine) markRunning(ctx context.Context, adm admission) (bool, error) {
	if _, err := e.store.SetRunStatus(ctx, adm.run.ID, model.RunStatusRunning); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return false, nil
		}
		return false, fmt.Errorf("run: starting run: %w", err)
	}
	if adm.threadID != "" {
		if err := e.store.SetThreadStatus(ctx, adm.threadID, model.ThreadStatusBusy); err != nil {
			e.logger.Warn("marking thread busy", "thread_id", adm.threadID, "error", err)
		}
	}
	return true, nil
}

// persist appends the final snapshot and settles the run as success.
func (e *Engine) persist(ctx context.Context, adm admission, final map[string]any, parent string) error {
	if adm.threadID != "" {
		snap := model.StateSnapshot{
			Values:             final,
			Next:               []string{},
			CheckpointID:       model.NewCheckpointID(),
			ParentCheckpointID: parent,
		}
		if err := e.store.AppendThreadState(ctx, adm.threadID, adm.owner, snap, model.ThreadStatusIdle); err != nil {
			return fmt.Errorf("run: persisting state: %w", err)
		}
	}
	if _, err := e.store.SetRunStatus(ctx, adm.run.ID, model.RunStatusSuccess); err != nil && !errors.Is(err, storage.ErrTerminal) {
		return fmt.Errorf("run: settling run: %w", err)
	}
	return nil
}

// fail settles the run as error, leaving the last good snapshot untouched.
func (e *Engine) fail(ctx context.Context, adm admission, cause error) {
	e.logger.Error("run failed", "run_id", adm.run.ID, "thread_id", adm.threadID, "error", cause)
	if _, err := e.store.SetRunStatus(ctx, adm.run.ID, model.RunStatusError); err != nil && !errors.Is(err, storage.ErrTerminal) {
		e.logger.Error("settling failed run", "run_id", adm.run.ID, "error", err)
	}
	if adm.threadID != "" {
		if err := e.store.SetThreadStatus(ctx, adm.threadID, model.ThreadStatusError); err != nil {
			e.logger.Warn("marking thread errored", "thread_id", adm.threadID, "error", err)
		}
	}
	e.buffer.End(ctx, adm.run.ID)
}
