package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	metaFileName  = "meta.json"
	finalFileName = "final.wav"
	wavDirName    = "wav"
)

// DiskStore persists fragments and session metadata under a base directory.
// Layout per session:
//
//	<base>/<session_id>/<seq>.<ext>   raw fragments
//	<base>/<session_id>/wav/<seq>.wav normalized segment cache
//	<base>/<session_id>/final.wav     assembly output
//	<base>/<session_id>/meta.json     session state record
type DiskStore struct {
	base string
}

// NewDiskStore returns a store rooted at base, creating it if needed.
func NewDiskStore(base string) (*DiskStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create session base dir: %w", err)
	}
	return &DiskStore{base: base}, nil
}

// SessionDir returns the session's directory, creating it lazily.
func (s *DiskStore) SessionDir(id SessionID) (string, error) {
	d := filepath.Join(s.base, string(id))
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return d, nil
}

// Persist writes (or overwrites) the raw bytes of a fragment and returns the
// persisted Fragment. Re-uploading the same (session, seq) silently replaces
// the previous bytes.
func (s *DiskStore) Persist(id SessionID, seq string, c Container, r io.Reader) (Fragment, error) {
	d, err := s.SessionDir(id)
	if err != nil {
		return Fragment{}, err
	}
	path := filepath.Join(d, seq+"."+c.Ext())
	f, err := os.Create(path)
	if err != nil {
		return Fragment{}, fmt.Errorf("create fragment file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return Fragment{}, fmt.Errorf("write fragment bytes: %w", err)
	}
	if err := f.Close(); err != nil {
		return Fragment{}, fmt.Errorf("close fragment file: %w", err)
	}
	return Fragment{SessionID: id, Seq: seq, Container: c, Path: path}, nil
}

// LoadMeta returns the session's state record. A session with no record yet
// is implicitly {waiting, nil, nil}; missing sessions are never an error.
func (s *DiskStore) LoadMeta(id SessionID) (SessionMeta, error) {
	b, err := os.ReadFile(filepath.Join(s.base, string(id), metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return SessionMeta{State: StateWaiting}, nil
	}
	if err != nil {
		return SessionMeta{}, fmt.Errorf("read session meta: %w", err)
	}
	var m SessionMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return SessionMeta{}, fmt.Errorf("decode session meta: %w", err)
	}
	return m, nil
}

// SaveMeta atomically persists the session's state record (write to a temp
// file, then rename). Last writer wins.
func (s *DiskStore) SaveMeta(id SessionID, m SessionMeta) error {
	d, err := s.SessionDir(id)
	if err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	tmp := filepath.Join(d, metaFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(d, metaFileName)); err != nil {
		return fmt.Errorf("replace session meta: %w", err)
	}
	return nil
}

// FragmentsInRange returns the session's raw fragments whose seq falls within
// [startSeq, endSeq] inclusive, ascending by seq. Files whose extension is
// not a supported container are ignored.
func (s *DiskStore) FragmentsInRange(id SessionID, startSeq, endSeq string) ([]Fragment, error) {
	d := filepath.Join(s.base, string(id))
	entries, err := os.ReadDir(d)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list session dir: %w", err)
	}

	var frags []Fragment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
		c, ok := ParseContainer(ext)
		if !ok || ext == "" {
			continue
		}
		seq := strings.TrimSuffix(name, filepath.Ext(name))
		if !seqInRange(seq, startSeq, endSeq) {
			continue
		}
		frags = append(frags, Fragment{
			SessionID: id,
			Seq:       seq,
			Container: c,
			Path:      filepath.Join(d, name),
		})
	}

	sort.Slice(frags, func(i, j int) bool { return compareSeq(frags[i].Seq, frags[j].Seq) < 0 })
	return frags, nil
}

// NormalizedPath returns the cache location for a fragment's normalized
// segment, creating the cache directory lazily.
func (s *DiskStore) NormalizedPath(id SessionID, seq string) (string, error) {
	d, err := s.SessionDir(id)
	if err != nil {
		return "", err
	}
	wd := filepath.Join(d, wavDirName)
	if err := os.MkdirAll(wd, 0o755); err != nil {
		return "", fmt.Errorf("create wav cache dir: %w", err)
	}
	return filepath.Join(wd, seq+".wav"), nil
}

// FinalPath returns the location of the session's assembled output.
func (s *DiskStore) FinalPath(id SessionID) string {
	return filepath.Join(s.base, string(id), finalFileName)
}

// FinalExists reports whether the session has an assembled output on disk.
func (s *DiskStore) FinalExists(id SessionID) bool {
	fi, err := os.Stat(s.FinalPath(id))
	return err == nil && !fi.IsDir()
}

// ActiveSessionCount returns the number of sessions whose state is not ended.
// Used for metrics.
func (s *DiskStore) ActiveSessionCount() int {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.LoadMeta(SessionID(e.Name()))
		if err == nil && m.State != StateEnded {
			n++
		}
	}
	return n
}

// compareSeq orders sequence tokens. Tokens that both parse as integers are
// compared numerically so that "9" sorts before "10"; otherwise the
// comparison is bytewise. Zero-padded tokens order the same either way.
func compareSeq(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return strings.Compare(a, b)
	}
	return strings.Compare(a, b)
}

// seqInRange reports whether seq lies within [start, end] inclusive.
func seqInRange(seq, start, end string) bool {
	return compareSeq(start, seq) <= 0 && compareSeq(seq, end) <= 0
}
