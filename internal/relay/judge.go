package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default timeouts for the decision authority round trips. Submitting the
// assembled artifact is given more headroom than a per-fragment ask.
const (
	DefaultAskTimeout   = 10 * time.Second
	DefaultFinalTimeout = 20 * time.Second
)

// Judge is the boundary to the external decision authority.
//
// Ask and SubmitFinal return errors for transport or format failures; the
// caller's policy, not this client, decides to degrade those into a neutral
// verdict or finalSent=false.
type Judge interface {
	Ask(ctx context.Context, id SessionID, seq string, c Container, fragPath string) (Verdict, error)
	SubmitFinal(ctx context.Context, id SessionID, finalPath string) error
}

// JudgeClient talks to the decision authority over HTTP.
type JudgeClient struct {
	baseURL      string
	http         *http.Client
	askTimeout   time.Duration
	finalTimeout time.Duration
}

// NewJudgeClient returns a client for the authority at baseURL
// (e.g. "http://127.0.0.1:9000"). Non-positive timeouts use the defaults.
func NewJudgeClient(baseURL string, askTimeout, finalTimeout time.Duration) *JudgeClient {
	if askTimeout <= 0 {
		askTimeout = DefaultAskTimeout
	}
	if finalTimeout <= 0 {
		finalTimeout = DefaultFinalTimeout
	}
	return &JudgeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		askTimeout:   askTimeout,
		finalTimeout: finalTimeout,
	}
}

type decisionBody struct {
	Decision string `json:"decision"`
}

// Ask sends one fragment to the authority and maps the response to a verdict.
// 204 means no decision (continue). A JSON body with decision "start" or
// "end" yields that verdict. Anything else is an error for the caller to
// absorb.
func (c *JudgeClient) Ask(ctx context.Context, id SessionID, seq string, cont Container, fragPath string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.askTimeout)
	defer cancel()

	fields := map[string]string{
		"sessionId": string(id),
		"seq":       seq,
		"container": string(cont),
	}
	resp, err := c.postMultipart(ctx, c.baseURL+"/ingest-chunk", fields, "chunk", fragPath, "audio/"+string(cont))
	if err != nil {
		return "", fmt.Errorf("ask decision authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return VerdictContinue, nil
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return "", fmt.Errorf("ask decision authority: unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	var body decisionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("ask decision authority: decode body: %w", err)
	}
	switch Verdict(strings.ToLower(body.Decision)) {
	case VerdictStart:
		return VerdictStart, nil
	case VerdictEnd:
		return VerdictEnd, nil
	}
	return "", fmt.Errorf("ask decision authority: unrecognized decision %q", body.Decision)
}

// SubmitFinal delivers the assembled artifact to the authority. It returns
// nil only on an explicit 2xx acknowledgment.
func (c *JudgeClient) SubmitFinal(ctx context.Context, id SessionID, finalPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.finalTimeout)
	defer cancel()

	fields := map[string]string{"sessionId": string(id)}
	resp, err := c.postMultipart(ctx, c.baseURL+"/ingest-final", fields, "final", finalPath, "audio/wav")
	if err != nil {
		return fmt.Errorf("submit final artifact: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("submit final artifact: authority returned %d", resp.StatusCode)
	}
	return nil
}

func (c *JudgeClient) postMultipart(ctx context.Context, url string, fields map[string]string, fileField, filePath, contentType string) (*http.Response, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, filepath.Base(filePath)))
	hdr.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.http.Do(req)
}
