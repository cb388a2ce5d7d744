package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/store"
	"fieldsync/internal/telemetry"
)

// maxUploadMemory bounds in-memory multipart parsing; larger uploads spill
// to temp files before they are spooled.
const maxUploadMemory = 32 << 20

// Server is the local HTTP surface the UI layer talks to. It exposes the
// queue operations only; the construction backend is never proxied here.
type Server struct {
	svc *queue.Service
}

func New(svc *queue.Service) *Server {
	return &Server{svc: svc}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queue/actions", s.handleEnqueueAction)
	r.Post("/queue/photos", s.handleEnqueuePhoto)
	r.Post("/queue/files", s.handleEnqueueFile)
	r.Get("/queue/items", s.handleListItems)
	r.Post("/queue/items/{id}/retry", s.handleRetry)
	r.Post("/queue/retry-all", s.handleRetryAll)
	r.Delete("/queue/items/{id}", s.handleDelete)
	r.Get("/queue/items/{id}/resolve", s.handleResolution)
	r.Post("/queue/items/{id}/resolve", s.handleResolve)
	r.Post("/queue/sync", s.handleSync)
	return r
}

type enqueueActionRequest struct {
	Type       string         `json:"type"`
	ResourceID string         `json:"resource_id"`
	Payload    map[string]any `json:"payload"`
}

func (s *Server) handleEnqueueAction(w http.ResponseWriter, r *http.Request) {
	var req enqueueActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	item, err := s.svc.EnqueueAction(r.Context(), req.Type, req.ResourceID, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleEnqueuePhoto(w http.ResponseWriter, r *http.Request) {
	file, header, meta, ok := parseUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	dailyLogID := r.FormValue("daily_log_id")
	if dailyLogID == "" {
		http.Error(w, "daily_log_id is required", http.StatusBadRequest)
		return
	}
	item, err := s.svc.EnqueuePhoto(r.Context(), dailyLogID, header.Filename, file, meta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleEnqueueFile(w http.ResponseWriter, r *http.Request) {
	file, header, meta, ok := parseUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	projectID := r.FormValue("project_id")
	if projectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	item, err := s.svc.EnqueueFile(r.Context(), projectID, r.FormValue("category"), header.Filename, file, meta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.StatusPending
	}
	if status != models.StatusPending && status != models.StatusFailed {
		http.Error(w, "status must be pending or failed", http.StatusBadRequest)
		return
	}
	kind := r.URL.Query().Get("kind")

	var (
		items []models.QueueItem
		err   error
	)
	if status == models.StatusPending {
		items, err = s.svc.ListPending(r.Context(), kind)
	} else {
		items, err = s.svc.ListFailed(r.Context(), kind)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RetryAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Resolution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.svc.Resolve(r.Context(), chi.URLParam(r, "id"), req.Choice); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	s.svc.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

// parseUpload pulls the file part out of a multipart enqueue request along
// with optional JSON metadata in the "metadata" form field. On failure it
// writes the error response and returns ok=false.
func parseUpload(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, map[string]any, bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "invalid multipart request", http.StatusBadRequest)
		return nil, nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file part is required", http.StatusBadRequest)
		return nil, nil, nil, false
	}
	var meta map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			file.Close()
			http.Error(w, "metadata must be valid json", http.StatusBadRequest)
			return nil, nil, nil, false
		}
	}
	return file, header, meta, true
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrNotResolvable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
