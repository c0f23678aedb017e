package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"audio-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// maxChunkMemory caps how much of an uploaded fragment is buffered in memory
// before spilling to a temp file.
const maxChunkMemory = 32 << 20

// Handler exposes the relay's ingest endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the relay endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/start", h.StartSession)
	r.Post("/upload-chunk", h.UploadChunk)
	r.Post("/finalize", h.Finalize)
	r.Get("/download/{session_id}", h.Download)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StartSession handles POST /start.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.StartSession()
	if err != nil {
		h.log.Error("start session failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "start_failed", "detail": err.Error()})
		return
	}
	h.log.Info("session started", slog.String("session_id", string(id)))
	if h.metrics != nil {
		h.metrics.IncSessionsStarted()
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": string(id)})
}

// uploadResponse is the wire shape of an upload result. FinalSent and
// Skipped appear only when the session ended on this upload; Skipped is then
// always present, even when empty.
type uploadResponse struct {
	Decision  Verdict   `json:"decision"`
	FinalSent *bool     `json:"finalSent,omitempty"`
	Skipped   []Skipped `json:"skipped,omitzero"`
}

// UploadChunk handles POST /upload-chunk.
// Multipart form fields: sessionId, seq, container ("ogg" or "webm",
// defaulting to ogg), and the fragment bytes in the "chunk" file field.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_multipart", "detail": err.Error()})
		return
	}

	id := SessionID(r.FormValue("sessionId"))
	seq := r.FormValue("seq")
	if id == "" || seq == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_field", "detail": "sessionId and seq are required"})
		return
	}
	container, ok := ParseContainer(r.FormValue("container"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_container", "detail": r.FormValue("container")})
		return
	}
	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_chunk", "detail": err.Error()})
		return
	}
	defer chunk.Close()

	res, err := h.svc.HandleChunk(r.Context(), id, seq, container, chunk)
	if err != nil {
		h.log.Error("upload failed",
			slog.String("session_id", string(id)),
			slog.String("seq", seq),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "upload_failed", "detail": err.Error()})
		return
	}

	h.log.Debug("chunk handled",
		slog.String("session_id", string(id)),
		slog.String("seq", seq),
		slog.String("decision", string(res.Decision)))
	if h.metrics != nil {
		h.metrics.IncChunksReceived()
	}

	out := uploadResponse{Decision: res.Decision}
	if res.Ended {
		sent := res.FinalSent
		out.FinalSent = &sent
		out.Skipped = res.Skipped
		if out.Skipped == nil {
			out.Skipped = []Skipped{}
		}
		if h.metrics != nil {
			h.metrics.IncSessionsEnded()
			h.metrics.AddFragmentsSkipped(len(out.Skipped))
			if res.Assembled {
				h.metrics.IncAssemblies()
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type finalizeRequest struct {
	SessionID string `json:"sessionId"`
}

// Finalize handles POST /finalize: re-runs assembly for a session whose
// boundaries are already decided.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "sessionId is required"})
		return
	}
	id := SessionID(req.SessionID)

	skipped, err := h.svc.Finalize(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrNotReady):
			status = http.StatusConflict
		case errors.Is(err, ErrEmptyRange), errors.Is(err, ErrAllFragmentsFailed):
			status = http.StatusUnprocessableEntity
		}
		h.log.Info("finalize failed",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()))
		writeJSON(w, status, map[string]string{"error": "assembly_failed", "detail": err.Error()})
		return
	}

	if h.metrics != nil {
		h.metrics.IncAssemblies()
		h.metrics.AddFragmentsSkipped(len(skipped))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fileUrl": "/download/" + string(id),
		"skipped": skipped,
	})
}

// Download handles GET /download/{session_id}: serves the assembled output
// or 404 if no final artifact exists yet.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "session_id is required"})
		return
	}

	path, ok := h.svc.FinalArtifact(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_ready"})
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="final.wav"`)
	http.ServeFile(w, r, path)
}
