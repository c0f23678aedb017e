package judge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

const maxUploadMemory = 32 << 20

// Handler exposes the decision authority's HTTP surface: per-fragment
// judgments and final artifact storage.
type Handler struct {
	policy *Policy
	base   string // root dir for the fragment inbox and stored finals
	log    *slog.Logger
}

// NewHandler returns a Handler that applies policy and stores received data
// under base.
func NewHandler(policy *Policy, base string, log *slog.Logger) *Handler {
	return &Handler{policy: policy, base: base, log: log}
}

// Routes mounts the authority endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/ingest-chunk", h.IngestChunk)
	r.Post("/ingest-final", h.IngestFinal)
}

// IngestChunk handles POST /ingest-chunk. It keeps a copy of the fragment in
// a per-session inbox (a debugging aid, not part of the decision) and answers
// 204 when no boundary is detected or {"decision":"start"|"end"} when one is.
// The relay treats this boundary as best effort, so internal problems here
// degrade to 204 rather than an error status.
func (h *Handler) IngestChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sessionID := r.FormValue("sessionId")
	seq := r.FormValue("seq")
	container := r.FormValue("container")
	if sessionID == "" || seq == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if chunk, _, err := r.FormFile("chunk"); err == nil {
		if err := h.saveUpload(chunk, filepath.Join("inbox", sessionID), fmt.Sprintf("%s.%s", seq, container)); err != nil {
			h.log.Warn("inbox save failed",
				slog.String("session_id", sessionID),
				slog.String("seq", seq),
				slog.String("error", err.Error()))
		}
		chunk.Close()
	}

	switch h.policy.Decide(sessionID) {
	case DecisionStart:
		h.log.Info("window start", slog.String("session_id", sessionID), slog.String("seq", seq))
		h.writeDecision(w, DecisionStart)
	case DecisionEnd:
		h.log.Info("window end", slog.String("session_id", sessionID), slog.String("seq", seq))
		h.writeDecision(w, DecisionEnd)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// IngestFinal handles POST /ingest-final: stores the assembled artifact for
// the session and acknowledges with saved=true.
func (h *Handler) IngestFinal(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.writeSaveError(w, err)
		return
	}
	sessionID := r.FormValue("sessionId")
	final, _, err := r.FormFile("final")
	if err != nil || sessionID == "" {
		h.writeSaveError(w, fmt.Errorf("sessionId and final file are required"))
		return
	}
	defer final.Close()

	if err := h.saveUpload(final, filepath.Join("sessions", sessionID), "final.wav"); err != nil {
		h.log.Error("final save failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		h.writeSaveError(w, err)
		return
	}

	path := filepath.Join(h.base, "sessions", sessionID, "final.wav")
	h.log.Info("final artifact saved", slog.String("session_id", sessionID), slog.String("path", path))
	writeJSON(w, http.StatusCreated, map[string]any{"saved": true, "path": path})
}

func (h *Handler) saveUpload(src multipart.File, dir, name string) error {
	d := filepath.Join(h.base, dir)
	if err := os.MkdirAll(d, 0o755); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Join(d, name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (h *Handler) writeDecision(w http.ResponseWriter, d Decision) {
	writeJSON(w, http.StatusOK, map[string]string{"decision": string(d)})
}

func (h *Handler) writeSaveError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{"saved": false, "detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
