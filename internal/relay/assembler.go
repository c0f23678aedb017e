package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

var (
	// ErrNotReady is returned when assembly is attempted before both the
	// start and end boundaries are known.
	ErrNotReady = errors.New("start/end boundaries not decided yet")

	// ErrEmptyRange is returned when no raw fragments exist in the selected
	// sequence range.
	ErrEmptyRange = errors.New("no fragments in selected range")

	// ErrAllFragmentsFailed is returned when every fragment in range failed
	// to normalize.
	ErrAllFragmentsFailed = errors.New("no fragment could be decoded; prefer Ogg/Opus or ensure full WebM fragments")
)

// Assembler stitches the fragments between a session's start and end
// boundaries into one canonical output stream.
type Assembler struct {
	store *DiskStore
	norm  Normalizer
}

// NewAssembler returns an Assembler over the given store and normalizer.
func NewAssembler(store *DiskStore, norm Normalizer) *Assembler {
	return &Assembler{store: store, norm: norm}
}

// Assemble normalizes every fragment in [start_seq, end_seq], concatenates
// the successful segments in ascending seq order into the session's final
// output, and returns its path plus the fragments it had to skip. A single
// failing fragment never aborts the batch; it is reported by name and cause.
// Any prior output for the session is overwritten.
func (a *Assembler) Assemble(ctx context.Context, id SessionID) (string, []Skipped, error) {
	meta, err := a.store.LoadMeta(id)
	if err != nil {
		return "", nil, err
	}
	if meta.StartSeq == nil || meta.EndSeq == nil {
		return "", nil, ErrNotReady
	}
	startSeq, endSeq := *meta.StartSeq, *meta.EndSeq

	frags, err := a.store.FragmentsInRange(id, startSeq, endSeq)
	if err != nil {
		return "", nil, err
	}
	if len(frags) == 0 {
		return "", nil, ErrEmptyRange
	}

	skipped := make([]Skipped, 0)
	type segment struct {
		seq  string
		path string
	}
	var segments []segment

	for _, frag := range frags {
		out, err := a.store.NormalizedPath(id, frag.Seq)
		if err != nil {
			return "", nil, err
		}
		if err := a.norm.Normalize(ctx, frag, out); err != nil {
			skipped = append(skipped, Skipped{Name: frag.Name(), Reason: err.Error()})
			continue
		}
		segments = append(segments, segment{seq: frag.Seq, path: out})
	}

	if len(segments) == 0 {
		return "", skipped, ErrAllFragmentsFailed
	}

	// Re-sort and re-filter against the boundaries before concatenation, so a
	// stale cache entry outside the range can never leak into the output.
	sort.Slice(segments, func(i, j int) bool { return compareSeq(segments[i].seq, segments[j].seq) < 0 })
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seqInRange(seg.seq, startSeq, endSeq) {
			parts = append(parts, seg.path)
		}
	}

	dir, err := a.store.SessionDir(id)
	if err != nil {
		return "", nil, err
	}
	outPath := a.store.FinalPath(id)
	listPath := filepath.Join(dir, "concat.txt")
	if err := a.norm.ConcatCopy(ctx, parts, listPath, outPath); err != nil {
		return "", skipped, fmt.Errorf("concatenate segments: %w", err)
	}

	return outPath, skipped, nil
}
