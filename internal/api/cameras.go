package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/codnida/internal/camera"
	"github.com/Spatial-NVR/codnida/internal/codnida"
)

// CameraHandler handles camera entity API requests
type CameraHandler struct {
	manager *camera.Manager
}

// NewCameraHandler creates a new camera handler
func NewCameraHandler(manager *camera.Manager) *CameraHandler {
	return &CameraHandler{manager: manager}
}

// Routes returns the camera routes
func (h *CameraHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/snapshot", h.Snapshot)
	r.Get("/{id}/stream", h.Stream)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/reload", h.Reload)
	r.Get("/{id}/services", h.Services)
	r.Post("/{id}/services/{service}", h.CallService)

	return r
}

// List lists all camera entities
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	OK(w, h.manager.List())
}

// Get returns one camera entity
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
	ent, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	OK(w, ent)
}

// Snapshot returns a still image from the camera
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	img, err := h.manager.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if img == nil {
		Error(w, http.StatusBadGateway, CodeNoImage, "Camera returned no image")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(img))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// Stream returns the RTSP source of the camera
func (h *CameraHandler) Stream(w http.ResponseWriter, r *http.Request) {
	url, err := h.manager.StreamSource(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	OK(w, map[string]string{"url": url})
}

// History returns availability transitions of the camera
func (h *CameraHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	changes, err := h.manager.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONWithMeta(w, http.StatusOK, changes, &Meta{Total: len(changes), Limit: limit})
}

// Reload tears the entity down and probes the device again
func (h *CameraHandler) Reload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Reload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	ent, err := h.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	OK(w, ent)
}

// CallService runs a service; the body is the service data
func (h *CameraHandler) CallService(w http.ResponseWriter, r *http.Request) {
	call := codnida.ServiceCall{Service: codnida.Service(chi.URLParam(r, "service"))}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&call.Data); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "Invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.manager.CallService(r.Context(), id, call); err != nil {
		writeError(w, err)
		return
	}

	ent, err := h.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	OK(w, ent)
}

// Services describes the service table with the camera's own preset range
func (h *CameraHandler) Services(w http.ResponseWriter, r *http.Request) {
	ent, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	OK(w, codnida.Services(ent.PresetMin, ent.PresetMax))
}

// ListServices describes the service table with the default preset range.
// Cameras may narrow it; see /cameras/{id}/services.
func ListServices(w http.ResponseWriter, r *http.Request) {
	OK(w, codnida.Services(codnida.DefaultPresetMin, codnida.DefaultPresetMax))
}

// writeError maps domain errors onto API error responses
func writeError(w http.ResponseWriter, err error) {
	var verrs codnida.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		ValidationErrorResponse(w, verrs)
	case errors.Is(err, camera.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, codnida.ErrUnknownService):
		Error(w, http.StatusNotFound, CodeUnknownService, err.Error())
	case errors.Is(err, camera.ErrAlreadyConfigured):
		Error(w, http.StatusConflict, CodeAlreadyConfigured, err.Error())
	case errors.Is(err, camera.ErrCannotConnect):
		Error(w, http.StatusServiceUnavailable, CodeCannotConnect, err.Error())
	case errors.Is(err, camera.ErrNotLoaded), errors.Is(err, codnida.ErrNotReady):
		Error(w, http.StatusServiceUnavailable, CodeNotReady, err.Error())
	default:
		InternalError(w, err.Error())
	}
}
