// Package judge is a reference decision authority for the audio relay: it
// watches the stream of fragments for a session and decides where the
// meaningful recording window starts and ends. The shipped policy simply
// counts fragments and fires fixed thresholds; the relay treats whatever
// runs behind /ingest-chunk as a black box.
package judge

import (
	"sync"
	"time"
)

// Defaults for the counting policy: the 2nd fragment starts the window and
// the 8th ends it.
const (
	DefaultStartAfter = 2
	DefaultEndAfter   = 8
	DefaultSessionTTL = 10 * time.Minute
)

// Decision is the policy's judgment on one fragment. An empty decision means
// no boundary was detected.
type Decision string

const (
	DecisionNone  Decision = ""
	DecisionStart Decision = "start"
	DecisionEnd   Decision = "end"
)

type sessionCount struct {
	n        int
	lastSeen time.Time
}

// Policy counts fragments per session and fires start/end at fixed
// thresholds. Counters live in an explicit per-session map: an end decision
// resets the session's counter, and sessions idle longer than ttl are
// evicted on the next call, so the map cannot grow without bound.
type Policy struct {
	startAfter int
	endAfter   int
	ttl        time.Duration
	now        func() time.Time

	mu     sync.Mutex
	counts map[string]*sessionCount
}

// NewPolicy returns a counting policy. Non-positive thresholds or ttl fall
// back to the defaults; endAfter is raised to startAfter+1 if needed so a
// window can always open before it closes.
func NewPolicy(startAfter, endAfter int, ttl time.Duration) *Policy {
	if startAfter <= 0 {
		startAfter = DefaultStartAfter
	}
	if endAfter <= 0 {
		endAfter = DefaultEndAfter
	}
	if endAfter <= startAfter {
		endAfter = startAfter + 1
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Policy{
		startAfter: startAfter,
		endAfter:   endAfter,
		ttl:        ttl,
		now:        time.Now,
		counts:     make(map[string]*sessionCount),
	}
}

// Decide records one fragment for the session and returns the boundary
// decision, if any.
func (p *Policy) Decide(sessionID string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.evictLocked(now)

	sc, ok := p.counts[sessionID]
	if !ok {
		sc = &sessionCount{}
		p.counts[sessionID] = sc
	}
	sc.n++
	sc.lastSeen = now

	switch sc.n {
	case p.startAfter:
		return DecisionStart
	case p.endAfter:
		delete(p.counts, sessionID)
		return DecisionEnd
	}
	return DecisionNone
}

// SessionCount returns how many sessions the policy is currently tracking.
func (p *Policy) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.counts)
}

func (p *Policy) evictLocked(now time.Time) {
	for id, sc := range p.counts {
		if now.Sub(sc.lastSeen) > p.ttl {
			delete(p.counts, id)
		}
	}
}
