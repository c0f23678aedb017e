package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T, j Judge) (*chi.Mux, *Service) {
	t.Helper()
	svc, _ := newTestService(t, j, nil)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandler(svc, log, nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r, svc
}

func multipartChunk(t *testing.T, fields map[string]string, withFile bool) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if withFile {
		fw, err := mw.CreateFormFile("chunk", "chunk.ogg")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.Copy(fw, strings.NewReader("opus bytes")); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func postChunk(t *testing.T, r http.Handler, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartChunk(t, fields, true)
	req := httptest.NewRequest(http.MethodPost, "/upload-chunk", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_StartSession(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{})

	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["sessionId"] == "" {
		t.Error("expected a sessionId")
	}
}

func TestHandler_UploadChunk_missing_fields(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{})

	rec := postChunk(t, r, map[string]string{"seq": "001"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without sessionId, got %d", rec.Code)
	}

	rec = postChunk(t, r, map[string]string{"sessionId": "s1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without seq, got %d", rec.Code)
	}
}

func TestHandler_UploadChunk_missing_file(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{})

	body, contentType := multipartChunk(t, map[string]string{"sessionId": "s1", "seq": "001"}, false)
	req := httptest.NewRequest(http.MethodPost, "/upload-chunk", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without chunk file, got %d", rec.Code)
	}
}

func TestHandler_UploadChunk_unsupported_container(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{})

	rec := postChunk(t, r, map[string]string{"sessionId": "s1", "seq": "001", "container": "mp3"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported container, got %d", rec.Code)
	}
}

func TestHandler_UploadChunk_continue(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{verdicts: []Verdict{VerdictContinue}})

	rec := postChunk(t, r, map[string]string{"sessionId": "s1", "seq": "001", "container": "ogg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Decision != VerdictContinue {
		t.Errorf("expected continue, got %s", body.Decision)
	}
	if body.FinalSent != nil {
		t.Error("finalSent must be absent unless the session ended")
	}
}

func TestHandler_UploadChunk_end_carries_final_fields(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{verdicts: []Verdict{VerdictStart, VerdictEnd}})

	if rec := postChunk(t, r, map[string]string{"sessionId": "s1", "seq": "001"}); rec.Code != http.StatusOK {
		t.Fatalf("first upload: expected 200, got %d", rec.Code)
	}
	rec := postChunk(t, r, map[string]string{"sessionId": "s1", "seq": "002"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Decision  string    `json:"decision"`
		FinalSent *bool     `json:"finalSent"`
		Skipped   []Skipped `json:"skipped"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Decision != "end" {
		t.Errorf("expected end, got %s", body.Decision)
	}
	if body.FinalSent == nil || !*body.FinalSent {
		t.Error("expected finalSent true")
	}
	if body.Skipped == nil {
		t.Error("skipped list must be present, even when empty")
	}
}

func TestHandler_Finalize_not_ready(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{})

	req := httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"sessionId":"s1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 before boundaries are decided, got %d", rec.Code)
	}
}

func TestHandler_Finalize_bad_request(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedJudge{})

	req := httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Finalize_and_Download(t *testing.T) {
	r, svc := newTestRouter(t, &scriptedJudge{verdicts: []Verdict{VerdictStart, VerdictContinue, VerdictEnd}})

	// Nothing to download yet.
	req := httptest.NewRequest(http.MethodGet, "/download/s1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before assembly, got %d", rec.Code)
	}

	for _, seq := range []string{"001", "002", "003"} {
		if rec := postChunk(t, r, map[string]string{"sessionId": "s1", "seq": seq}); rec.Code != http.StatusOK {
			t.Fatalf("upload %s: expected 200, got %d", seq, rec.Code)
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"sessionId":"s1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var fin struct {
		FileURL string    `json:"fileUrl"`
		Skipped []Skipped `json:"skipped"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fin); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if fin.FileURL != "/download/s1" {
		t.Errorf("unexpected fileUrl %q", fin.FileURL)
	}

	if _, ok := svc.FinalArtifact("s1"); !ok {
		t.Fatal("final artifact should exist")
	}

	req = httptest.NewRequest(http.MethodGet, "/download/s1", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %s", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("downloaded stream must be non-empty")
	}
}
