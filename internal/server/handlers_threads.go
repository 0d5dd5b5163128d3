package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/storage"
)

// HandleCreateThread handles POST /threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id := req.ThreadID
	if id == "" {
		id = model.NewThreadID()
	}

	thread, err := h.store.CreateThread(r.Context(), model.Thread{
		ID:       id,
		Metadata: model.StampOwner(req.Metadata, owner),
		Status:   model.ThreadStatusIdle,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

// HandleGetThread handles GET /threads/{thread_id}.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	thread, err := h.store.GetThread(r.Context(), r.PathValue("thread_id"), owner)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandleUpdateThread handles PATCH /threads/{thread_id}.
func (h *Handlers) HandleUpdateThread(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.UpdateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	thread, err := h.store.UpdateThread(r.Context(), r.PathValue("thread_id"), owner, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandleDeleteThread handles DELETE /threads/{thread_id}. Deletion cascades
// to the thread's state history and runs.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	if err := h.store.DeleteThread(r.Context(), r.PathValue("thread_id"), owner); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleThreadState handles GET /threads/{thread_id}/state: the most recent
// state snapshot, or an empty snapshot for a thread with no history yet.
func (h *Handlers) HandleThreadState(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")

	if _, err := h.store.GetThread(r.Context(), threadID, owner); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	snap, err := h.store.LatestThreadState(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusOK, model.StateSnapshot{
				Values: map[string]any{},
				Next:   []string{},
			})
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleThreadHistory handles GET and POST /threads/{thread_id}/history.
// GET reads limit/before from query parameters, POST from the body.
func (h *Handlers) HandleThreadHistory(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	threadID := r.PathValue("thread_id")

	var req model.HistoryRequest
	if r.Method == http.MethodPost {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	} else {
		req.Limit = queryInt(r, "limit", 0)
		req.Before = r.URL.Query().Get("before")
	}
	if req.Limit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "limit must be non-negative")
		return
	}
	if req.Limit == 0 {
		req.Limit = model.DefaultSearchLimit
	}

	history, err := h.store.ThreadHistory(r.Context(), threadID, owner, req.Limit, req.Before)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []model.StateSnapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleSearchThreads handles POST /threads/search.
func (h *Handlers) HandleSearchThreads(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	req, ok := h.decodeSearch(w, r)
	if !ok {
		return
	}

	threads, err := h.store.SearchThreads(r.Context(), owner, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if threads == nil {
		threads = []model.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// HandleCountThreads handles POST /threads/count.
func (h *Handlers) HandleCountThreads(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	req, ok := h.decodeSearch(w, r)
	if !ok {
		return
	}

	count, err := h.store.CountThreads(r.Context(), owner, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}
