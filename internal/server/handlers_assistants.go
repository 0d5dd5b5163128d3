package server

import (
	"net/http"

	"github.com/ashita-ai/renga/internal/model"
)

// HandleCreateAssistant handles POST /assistants. A request carrying an
// existing assistant_id upserts that assistant.
func (h *Handlers) HandleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.CreateAssistantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if !h.graphs.Known(req.GraphID) {
		writeError(w, http.StatusUnprocessableEntity, "unknown graph_id: "+req.GraphID)
		return
	}

	id := req.AssistantID
	if id == "" {
		id = model.NewAssistantID()
	}

	asst, created, err := h.store.PutAssistant(r.Context(), model.Assistant{
		ID:       id,
		GraphID:  req.GraphID,
		Config:   req.Config,
		Metadata: model.StampOwner(req.Metadata, owner),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, asst)
}

// HandleGetAssistant handles GET /assistants/{assistant_id}.
func (h *Handlers) HandleGetAssistant(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	asst, err := h.store.GetAssistant(r.Context(), r.PathValue("assistant_id"), owner)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asst)
}

// HandleUpdateAssistant handles PATCH /assistants/{assistant_id}.
func (h *Handlers) HandleUpdateAssistant(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.UpdateAssistantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.GraphID != nil && !h.graphs.Known(*req.GraphID) {
		writeError(w, http.StatusUnprocessableEntity, "unknown graph_id: "+*req.GraphID)
		return
	}

	asst, err := h.store.UpdateAssistant(r.Context(), r.PathValue("assistant_id"), owner, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asst)
}

// HandleDeleteAssistant handles DELETE /assistants/{assistant_id}.
func (h *Handlers) HandleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	if err := h.store.DeleteAssistant(r.Context(), r.PathValue("assistant_id"), owner); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSearchAssistants handles POST /assistants/search.
func (h *Handlers) HandleSearchAssistants(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	req, ok := h.decodeSearch(w, r)
	if !ok {
		return
	}

	assistants, err := h.store.SearchAssistants(r.Context(), owner, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if assistants == nil {
		assistants = []model.Assistant{}
	}
	writeJSON(w, http.StatusOK, assistants)
}

// HandleCountAssistants handles POST /assistants/count.
func (h *Handlers) HandleCountAssistants(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	req, ok := h.decodeSearch(w, r)
	if !ok {
		return
	}

	count, err := h.store.CountAssistants(r.Context(), owner, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

// decodeSearch decodes and normalizes the shared search/count request body.
// Reports false after writing the error response.
func (h *Handlers) decodeSearch(w http.ResponseWriter, r *http.Request) (model.SearchRequest, bool) {
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return req, false
	}
	if err := req.Normalize(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return req, false
	}
	return req, true
}
