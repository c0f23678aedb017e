package relay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTranscodeTimeout bounds a single external tool invocation.
const DefaultTranscodeTimeout = 60 * time.Second

// Normalizer converts raw fragments into canonical mono/16kHz WAV segments
// and stitches segments together without re-encoding.
type Normalizer interface {
	// Normalize converts the fragment's raw bytes into a canonical segment at
	// outPath. If outPath already exists the tool is not invoked again.
	Normalize(ctx context.Context, frag Fragment, outPath string) error

	// ConcatCopy concatenates the given segment files, in order, into outPath
	// using a stream copy. listPath is scratch space for the tool's input list.
	ConcatCopy(ctx context.Context, parts []string, listPath, outPath string) error
}

// TranscodeError reports a failed conversion of a single fragment. It is
// recoverable: the assembler skips the fragment and continues.
type TranscodeError struct {
	Fragment string // fragment file name, e.g. "004.ogg"
	Stderr   string
	Err      error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcode %s: %v: %s", e.Fragment, e.Err, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("transcode %s: %v", e.Fragment, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// FFmpeg is the Normalizer implementation backed by the ffmpeg binary.
type FFmpeg struct {
	bin     string
	timeout time.Duration
}

// ResolveFFmpeg locates the ffmpeg binary: FFMPEG_PATH if set and present,
// otherwise $PATH. An empty result means the tool is unavailable; invocations
// will fail with a TranscodeError rather than at construction time.
func ResolveFFmpeg() string {
	if p := os.Getenv("FFMPEG_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		return p
	}
	return ""
}

// NewFFmpeg returns an FFmpeg normalizer using the given binary path and
// per-invocation timeout. If timeout <= 0, DefaultTranscodeTimeout is used.
func NewFFmpeg(bin string, timeout time.Duration) *FFmpeg {
	if timeout <= 0 {
		timeout = DefaultTranscodeTimeout
	}
	return &FFmpeg{bin: bin, timeout: timeout}
}

// Normalize implements Normalizer.Normalize: mono, 16kHz, WAV container.
// Already-normalized fragments are returned from cache without invoking ffmpeg.
func (f *FFmpeg) Normalize(ctx context.Context, frag Fragment, outPath string) error {
	if _, err := os.Stat(outPath); err == nil {
		return nil
	}
	return f.run(ctx, frag.Name(),
		"-hide_banner", "-loglevel", "error",
		"-fflags", "+genpts",
		"-y", "-i", frag.Path,
		"-ac", "1", "-ar", "16000",
		outPath,
	)
}

// ConcatCopy implements Normalizer.ConcatCopy using ffmpeg's concat demuxer
// with stream copy, so segments are joined gaplessly without re-encoding.
func (f *FFmpeg) ConcatCopy(ctx context.Context, parts []string, listPath, outPath string) error {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return f.run(ctx, "concat",
		"-hide_banner", "-loglevel", "error",
		"-y", "-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) error {
	if f.bin == "" {
		return &TranscodeError{Fragment: name, Err: fmt.Errorf("ffmpeg not found; install it or set FFMPEG_PATH")}
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &TranscodeError{Fragment: name, Stderr: stderr.String(), Err: err}
	}
	return nil
}
