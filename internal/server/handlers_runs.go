package server

import (
	"net/http"

	"github.com/ashita-ai/renga/internal/model"
)

// HandleCreateRun handles POST /threads/{thread_id}/runs. Execution blocks
// the request; the settled run record is returned once the run is terminal.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	created, err := h.runs.Background(r.Context(), owner, threadID, &req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// HandleListRuns handles GET /threads/{thread_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")

	limit := queryInt(r, "limit", model.DefaultSearchLimit)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || offset < 0 {
		writeError(w, http.StatusUnprocessableEntity, "limit must be positive and offset non-negative")
		return
	}
	if limit > model.MaxSearchLimit {
		limit = model.MaxSearchLimit
	}

	runs, err := h.store.ListRuns(r.Context(), threadID, owner, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRun handles GET /threads/{thread_id}/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	created, err := h.store.GetRun(r.Context(), r.PathValue("thread_id"), r.PathValue("run_id"), owner)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// HandleDeleteRun handles DELETE /threads/{thread_id}/runs/{run_id}.
func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	if err := h.store.DeleteRun(r.Context(), r.PathValue("thread_id"), r.PathValue("run_id"), owner); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWaitRun handles POST /threads/{thread_id}/runs/wait. The response
// body is the final accumulated state.
func (h *Handlers) HandleWaitRun(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	final, err := h.runs.Wait(r.Context(), owner, threadID, &req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

// HandleCancelRun handles POST /threads/{thread_id}/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	canceled, err := h.runs.Cancel(r.Context(), owner, r.PathValue("thread_id"), r.PathValue("run_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

// HandleStreamRun handles POST /threads/{thread_id}/runs/stream and the
// stateless POST /runs/stream.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if err := h.runs.Stream(r.Context(), owner, threadID, &req, stream); err != nil {
		if stream.Started() {
			// The status line is committed. The run is already marked
			// terminal; the client observes the truncated stream.
			h.logger.Warn("run stream aborted",
				"thread_id", threadID,
				"error", err,
				"request_id", RequestIDFromContext(r.Context()),
			)
			return
		}
		h.writeDomainError(w, r, err)
	}
}

// HandleJoinRunStream handles GET /threads/{thread_id}/runs/{run_id}/stream:
// replays the run's buffered events and follows the live stream. Requires
// the resumption buffer.
func (h *Handlers) HandleJoinRunStream(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")
	runID := r.PathValue("run_id")

	if !h.runs.Resumable() {
		writeError(w, http.StatusNotFound, "stream resumption is not enabled")
		return
	}

	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if err := h.runs.Resume(r.Context(), owner, threadID, runID, stream); err != nil {
		if stream.Started() {
			h.logger.Warn("stream join aborted",
				"run_id", runID,
				"error", err,
				"request_id", RequestIDFromContext(r.Context()),
			)
			return
		}
		h.writeDomainError(w, r, err)
	}
}
