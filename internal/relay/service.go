package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ChunkResult is what an upload produces: the decision for this fragment and,
// when the decision ended the session, the outcome of assembly and delivery.
type ChunkResult struct {
	Decision  Verdict
	Ended     bool // Decision == end and assembly was triggered by this call
	Assembled bool // assembly produced an output stream
	FinalSent bool
	Skipped   []Skipped
}

// Service owns the per-session state machine. It is the single writer of the
// {state, start_seq, end_seq} triple: a per-session mutex is held from persist
// through state mutation and assembly, so concurrent uploads for one session
// cannot race past each other.
type Service struct {
	store *DiskStore
	judge Judge
	asm   *Assembler
	log   *slog.Logger

	mu    sync.Mutex
	locks map[SessionID]*sync.Mutex
}

// NewService wires the state machine to its collaborators.
func NewService(store *DiskStore, judge Judge, asm *Assembler, log *slog.Logger) *Service {
	return &Service{
		store: store,
		judge: judge,
		asm:   asm,
		log:   log,
		locks: make(map[SessionID]*sync.Mutex),
	}
}

func (s *Service) sessionLock(id SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// StartSession creates a new session in the waiting state and returns its id.
func (s *Service) StartSession() (SessionID, error) {
	id := SessionID(uuid.NewString())
	if err := s.store.SaveMeta(id, SessionMeta{State: StateWaiting}); err != nil {
		return "", err
	}
	return id, nil
}

// HandleChunk runs one fragment through the pipeline: persist, consult the
// decision authority, apply the verdict to the session state, and on an end
// boundary assemble the final stream exactly once and deliver it.
//
// Decision round-trip failures never fail the upload; they degrade to a
// continue verdict here, where the policy is visible, rather than inside the
// client. Only storage failures are returned as errors.
func (s *Service) HandleChunk(ctx context.Context, id SessionID, seq string, c Container, body io.Reader) (ChunkResult, error) {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	frag, err := s.store.Persist(id, seq, c, body)
	if err != nil {
		return ChunkResult{}, err
	}

	meta, err := s.store.LoadMeta(id)
	if err != nil {
		return ChunkResult{}, err
	}

	// Terminal state: keep the bytes, skip the authority, never mutate again.
	if meta.State == StateEnded {
		return ChunkResult{Decision: VerdictContinue}, nil
	}

	verdict, err := s.judge.Ask(ctx, id, seq, c, frag.Path)
	if err != nil {
		s.log.Warn("decision round trip failed, degrading to continue",
			slog.String("session_id", string(id)),
			slog.String("seq", seq),
			slog.String("error", err.Error()))
		verdict = VerdictContinue
	}

	switch verdict {
	case VerdictStart:
		if meta.State != StateWaiting {
			// Start already recorded; the verdict is a no-op.
			return ChunkResult{Decision: VerdictStart}, nil
		}
		meta.State = StateRecording
		meta.StartSeq = &seq
		if err := s.store.SaveMeta(id, meta); err != nil {
			return ChunkResult{}, err
		}
		return ChunkResult{Decision: VerdictStart}, nil

	case VerdictEnd:
		if meta.StartSeq == nil {
			// An end with no recorded start cannot bound a range. Ignore the
			// verdict; the session may still start later.
			s.log.Warn("end verdict before start, ignoring",
				slog.String("session_id", string(id)),
				slog.String("seq", seq))
			return ChunkResult{Decision: VerdictContinue}, nil
		}
		meta.State = StateEnded
		meta.EndSeq = &seq
		if err := s.store.SaveMeta(id, meta); err != nil {
			return ChunkResult{}, err
		}

		res := ChunkResult{Decision: VerdictEnd, Ended: true, Skipped: []Skipped{}}
		finalPath, skipped, err := s.asm.Assemble(ctx, id)
		if err != nil {
			s.log.Error("assembly failed",
				slog.String("session_id", string(id)),
				slog.String("error", err.Error()))
			res.Skipped = skipped
			return res, nil
		}
		res.Assembled = true
		res.Skipped = skipped

		if err := s.judge.SubmitFinal(ctx, id, finalPath); err != nil {
			s.log.Warn("final artifact delivery failed",
				slog.String("session_id", string(id)),
				slog.String("error", err.Error()))
		} else {
			res.FinalSent = true
		}
		return res, nil
	}

	return ChunkResult{Decision: VerdictContinue}, nil
}

// Finalize re-runs assembly for a session whose boundaries are already set
// and returns the fragments that were skipped. The previous output, if any,
// is replaced.
func (s *Service) Finalize(ctx context.Context, id SessionID) ([]Skipped, error) {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	_, skipped, err := s.asm.Assemble(ctx, id)
	if skipped == nil {
		skipped = []Skipped{}
	}
	return skipped, err
}

// FinalArtifact returns the path of the session's assembled output, or
// ok=false when no assembly has succeeded yet.
func (s *Service) FinalArtifact(id SessionID) (string, bool) {
	if !s.store.FinalExists(id) {
		return "", false
	}
	return s.store.FinalPath(id), true
}
