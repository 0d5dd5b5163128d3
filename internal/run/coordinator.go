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

// ErrInvalid wraps request validation failures so the transport layer can
// distinguish them from missing resources and conflicts.
var ErrInvalid = errors.New("run: invalid request")

// Coordinator admits run requests and hands them to the engine. It owns the
// in-process cancellation tokens polled at graph node boundaries.
type Coordinator struct {
	store   storage.Store
	engine  *Engine
	buffer  *Buffer
	logger  *slog.Logger
	cancels *cancelRegistry
}

// NewCoordinator wires the run pipeline. buffer may be nil, disabling
// stream resumption.
func NewCoordinator(store storage.Store, registry *graph.Registry, buffer *Buffer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		engine:  NewEngine(store, registry, buffer, logger),
		buffer:  buffer,
		logger:  logger,
		cancels: newCancelRegistry(),
	}
}

// admit validates the request, applies the if_not_exists policy, resolves
// conflicts with the thread's active run and persists the pending run
// record. threadID is empty for stateless runs, which skip thread checks.
func (c *Coordinator) admit(ctx context.Context, owner, threadID string, req *model.CreateRunRequest) (admission, error) {
	if err := req.Validate(); err != nil {
		return admission{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	asst, err := c.store.GetAssistant(ctx, req.AssistantID, owner)
	if err != nil {
		return admission{}, err
	}

	if threadID != "" {
		if _, err := c.store.GetThread(ctx, threadID, owner); err != nil {
			if !errors.Is(err, storage.ErrNotFound) || req.IfNotExists != model.IfNotExistsCreate {
				return admission{}, err
			}
			_, err = c.store.CreateThread(ctx, model.Thread{
				ID:       threadID,
				Metadata: model.StampOwner(nil, owner),
				Status:   model.ThreadStatusIdle,
			})
			if err != nil {
				return admission{}, fmt.Errorf("run: auto-creating thread: %w", err)
			}
		}
		if err := resolveConflict(ctx, c.store, threadID, req.MultitaskStrategy); err != nil {
			return admission{}, err
		}
	}

	kwargs, err := json.Marshal(map[string]any{"input": req.Input, "config": req.Config})
	if err != nil {
		return admission{}, fmt.Errorf("run: encoding kwargs: %w", err)
	}
	created, err := c.store.CreateRun(ctx, model.Run{
		ID:                model.NewRunID(),
		ThreadID:          threadID,
		AssistantID:       asst.ID,
		Status:            model.RunStatusPending,
		Metadata:          model.StampOwner(req.Metadata, owner),
		Kwargs:            kwargs,
		MultitaskStrategy: req.MultitaskStrategy,
	})
	if err != nil {
		return admission{}, fmt.Errorf("run: creating run: %w", err)
	}

	return admission{
		run:      created,
		owner:    owner,
		threadID: threadID,
		graphID:  asst.GraphID,
		cfg:      asst.Config.Merge(req.Config),
		input:    req.Input,
	}, nil
}

// Stream admits and executes a run, emitting ordered events on emit.
// threadID may be empty for stateless runs.
func (c *Coordinator) Stream(ctx context.Context, owner, threadID string, req *model.CreateRunRequest, emit Emitter) error {
	adm, err := c.admit(ctx, owner, threadID, req)
	if err != nil {
		return err
	}
	canceled, release := c.cancels.register(adm.run.ID)
	defer release()
	return c.engine.stream(ctx, adm, emit, canceled)
}

// Wait admits and executes a run without streaming, returning the final
// accumulated state.
func (c *Coordinator) Wait(ctx context.Context, owner, threadID string, req *model.CreateRunRequest) (map[string]any, error) {
	adm, err := c.admit(ctx, owner, threadID, req)
	if err != nil {
		return nil, err
	}
	canceled, release := c.cancels.register(adm.run.ID)
	defer release()
	return c.engine.wait(ctx, adm, canceled)
}

// Background admits and executes a run to completion, returning the settled
// run record. Execution blocks the caller; failures surface as the run's
// terminal status rather than an error.
func (c *Coordinator) Background(ctx context.Context, owner, threadID string, req *model.CreateRunRequest) (model.Run, error) {
	adm, err := c.admit(ctx, owner, threadID, req)
	if err != nil {
		return model.Run{}, err
	}
	canceled, release := c.cancels.register(adm.run.ID)
	defer release()

	if _, err := c.engine.wait(ctx, adm, canceled); err != nil && !errors.Is(err, graph.ErrCanceled) {
		c.logger.Warn("background run failed", "run_id", adm.run.ID, "error", err)
	}
	return c.store.GetRun(ctx, threadID, adm.run.ID, owner)
}

// Cancel requests cooperative cancellation of an active run. The engine
// observes the flag at its next node boundary; a terminal run cannot be
// canceled.
func (c *Coordinator) Cancel(ctx context.Context, owner, threadID, runID string) (model.Run, error) {
	current, err := c.store.GetRun(ctx, threadID, runID, owner)
	if err != nil {
		return model.Run{}, err
	}
	updated, err := c.store.SetRunStatus(ctx, runID, model.RunStatusInterrupted)
	if err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return model.Run{}, fmt.Errorf("%w: run %s is already %s", ErrConflict, runID, current.Status)
		}
		return model.Run{}, err
	}
	c.cancels.cancel(runID)
	if current.ThreadID != "" {
		if err := c.store.SetThreadStatus(ctx, current.ThreadID, model.ThreadStatusInterrupted); err != nil {
			c.logger.Warn("marking thread interrupted", "thread_id", current.ThreadID, "error", err)
		}
	}
	return updated, nil
}

// Resumable reports whether rejoining streams is enabled.
func (c *Coordinator) Resumable() bool { return c.buffer.Enabled() }

// Resume replays a run's buffered events and follows the live stream until
// it ends. Returns storage.ErrNotFound when the run is not visible.
func (c *Coordinator) Resume(ctx context.Context, owner, threadID, runID string, emit Emitter) error {
	if _, err := c.store.GetRun(ctx, threadID, runID, owner); err != nil {
		return err
	}
	frames, cleanup, err := c.buffer.Stream(ctx, runID)
	if err != nil {
		return fmt.Errorf("run: resuming stream: %w", err)
	}
	defer cleanup()
	for f := range frames {
		if err := emit.Emit(f.Event, f.Data); err != nil {
			return err
		}
	}
	return nil
}
