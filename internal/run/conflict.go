package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/storage"
)

// resolveConflict admits or refuses a new run against the thread's current
// active run. The check and the subsequent status write are not performed
// under a transactional lock, so two concurrent admissions can both pass the
// check; the run status transition rules keep the damage to an extra
// admitted run rather than corrupted state.
func resolveConflict(ctx context.Context, store storage.Store, threadID string, strategy model.MultitaskStrategy) error {
	active, err := store.ActiveRun(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("run: checking active run: %w", err)
	}

	switch strategy {
	case model.MultitaskReject:
		return fmt.Errorf("%w: %s", ErrConflict, active.ID)
	case model.MultitaskEnqueue:
		// Admitted alongside the active run. No queue exists, so execution
		// order among enqueued runs is not guaranteed.
		return nil
	case model.MultitaskInterrupt:
		return supersede(ctx, store, active.ID, model.RunStatusInterrupted)
	case model.MultitaskRollback:
		return supersede(ctx, store, active.ID, model.RunStatusError)
	}
	return fmt.Errorf("run: unknown multitask strategy %q", strategy)
}

// supersede forces the active run into a terminal state. A run that reached
// a terminal state on its own in the meantime is not an error.
func supersede(ctx context.Context, store storage.Store, runID string, to model.RunStatus) error {
	_, err := store.SetRunStatus(ctx, runID, to)
	if err != nil && !errors.Is(err, storage.ErrTerminal) && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run: superseding %s: %w", runID, err)
	}
	return nil
}
