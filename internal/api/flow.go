package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/codnida/internal/camera"
)

// FlowHandler handles config flow and config entry requests
type FlowHandler struct {
	flow *camera.Flow
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(flow *camera.Flow) *FlowHandler {
	return &FlowHandler{flow: flow}
}

// Routes returns the config routes
func (h *FlowHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/flow", h.Create)
	r.Delete("/entries/{entry_id}", h.Delete)

	return r
}

// Create runs the user step of the config flow
func (h *FlowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in camera.FlowInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	res, err := h.flow.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	Created(w, res)
}

// Delete removes a config entry
func (h *FlowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Delete(r.Context(), chi.URLParam(r, "entry_id")); err != nil {
		writeError(w, err)
		return
	}
	NoContent(w)
}
