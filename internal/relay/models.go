package relay

// SessionID uniquely identifies an upload session.
type SessionID string

// Container is the raw encoding format of an uploaded fragment.
type Container string

const (
	ContainerOgg  Container = "ogg"
	ContainerWebM Container = "webm"
)

// Ext returns the file extension used to persist fragments of this container.
func (c Container) Ext() string {
	return string(c)
}

// ParseContainer validates a container token from the wire. An empty token
// defaults to ogg.
func ParseContainer(s string) (Container, bool) {
	switch Container(s) {
	case "":
		return ContainerOgg, true
	case ContainerOgg:
		return ContainerOgg, true
	case ContainerWebM:
		return ContainerWebM, true
	}
	return "", false
}

// State is the lifecycle state of a session.
type State string

const (
	StateWaiting   State = "waiting"
	StateRecording State = "recording"
	StateEnded     State = "ended"
)

// SessionMeta is the persisted per-session state record.
// StartSeq and EndSeq are set at most once each and never change afterwards.
type SessionMeta struct {
	State    State   `json:"state"`
	StartSeq *string `json:"start_seq"`
	EndSeq   *string `json:"end_seq"`
}

// Fragment is one uploaded piece of a session's audio stream.
type Fragment struct {
	SessionID SessionID
	Seq       string
	Container Container
	Path      string // location of the raw bytes on disk
}

// Name returns the fragment's file name, e.g. "004.ogg".
func (f Fragment) Name() string {
	return f.Seq + "." + f.Container.Ext()
}

// Verdict is the decision authority's judgment on a single fragment.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictStart    Verdict = "start"
	VerdictEnd      Verdict = "end"
)

// Skipped records a fragment the assembler could not normalize.
type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}
