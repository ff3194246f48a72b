package workerpool

import (
	"os/exec"

	"roma/internal/codeentry"
	"roma/internal/transport"
)

// State is a Worker's position in its linear per-worker state machine.
type State int

const (
	Spawning State = iota
	Idle
	Busy
	Terminating
	Gone
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Terminating:
		return "terminating"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// Worker is one child process serving a single code token at a time.
//
// All fields are mutated exclusively by Pool under Pool.mu; callers reach
// a Worker only through Pool methods, never by holding a bare pointer
// across a blocking call.
type Worker struct {
	PID         int
	Token       codeentry.Token
	ScratchDir  string
	State       State
	Conn        *transport.ControlConn
	CgroupPath  string
	cmd         *exec.Cmd
	rendezvous  string
	exitOnce    chan struct{}
	goneHandled bool

	// logBuf captures this worker's UDF stdout when its CodeEntry has
	// LogEgress set; nil otherwise. The dispatcher drains it into each
	// request's Outcome.LogBlob.
	logBuf *logBuffer
}

// DrainLog returns and clears whatever this worker's UDF has written to
// stdout since the last drain, or nil if LogEgress is not enabled for it.
func (w *Worker) DrainLog() []byte {
	if w.logBuf == nil {
		return nil
	}
	return w.logBuf.Drain()
}

// Outcome is what happened to the request a Worker most recently served,
// reported to Pool.Release.
type Outcome int

const (
	Clean Outcome = iota
	Faulted
	TimedOut
)
