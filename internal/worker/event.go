package worker

import (
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

// Handle identifies one worker. Handles are opaque and never reused.
type Handle string

// EventKind discriminates worker events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventSuccess
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is a message from a worker to the dispatcher. Exactly one of Note,
// Reply or Err is meaningful, depending on Kind.
type Event struct {
	Handle  Handle
	Kind    EventKind
	Note    string
	Reply   string
	Model   string
	Elapsed time.Duration
	Err     *chat.Error
}

// Terminal reports whether e ends its worker's event stream.
func (e Event) Terminal() bool {
	return e.Kind == EventSuccess || e.Kind == EventFailure
}
