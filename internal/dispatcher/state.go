package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"roma/internal/codeentry"
	"roma/internal/workerpool"
	romaerrors "roma/pkg/errors"
)

// execState is the position of one admitted Execute in its linear state
// machine: Admitted -> Queued -> AssignedToWorker -> Running ->
// Done{Success|Failure|Timeout|Cancelled}.
type execState int

const (
	stateAdmitted execState = iota
	stateQueued
	stateAssigned
	stateRunning
	stateDone
)

// Outcome is what a callback receives once a RequestContext reaches Done.
type Outcome struct {
	UUID    string
	Output  []byte
	Metrics map[string]int64
	// LogBlob carries the UDF's captured stdout for this request, when its
	// CodeEntry was loaded with LogEgress (including LoadForLogging
	// aliases). It prefers the wire-level ExecResponse.LogBlob a UDF
	// reports explicitly, falling back to the worker's OS-level stdout
	// capture for the request's window.
	LogBlob []byte
	Err     error // nil on success, otherwise a *errors.Error carrying a Kind
}

// Callback is invoked exactly once per admitted Execute.
type Callback func(Outcome)

// RequestContext is the per-execution bookkeeping the Dispatcher holds
// from admission through callback delivery. The callback slot is the
// synchronization point: whichever of normal completion, timeout,
// cancellation, or worker loss transitions first consumes it.
type RequestContext struct {
	UUID        string
	Token       codeentry.Token
	Metadata    map[string]string
	MinLogLevel int
	LogEgress   bool
	AdmittedAt  time.Time
	Deadline    time.Time

	mu        sync.Mutex
	state     execState
	worker    *workerpool.Worker
	cancel    func()
	once      sync.Once
	callback  Callback
	cancelled atomic.Bool
}

// markCancelled records that Cancel was requested for this request.
func (rc *RequestContext) markCancelled() {
	rc.cancelled.Store(true)
}

// wasCancelled reports whether Cancel was requested, used to distinguish
// Cancelled from Timeout when both race on the same deadline-context
// cancellation.
func (rc *RequestContext) wasCancelled() bool {
	return rc.cancelled.Load()
}

// newRequestContext creates an admitted RequestContext.
func newRequestContext(uuid string, token codeentry.Token, metadata map[string]string, minLogLevel int, logEgress bool, deadline time.Time, cb Callback) *RequestContext {
	return &RequestContext{
		UUID:        uuid,
		Token:       token,
		Metadata:    metadata,
		MinLogLevel: minLogLevel,
		LogEgress:   logEgress,
		AdmittedAt:  time.Now(),
		Deadline:    deadline,
		state:       stateAdmitted,
		callback:    cb,
	}
}

// setState advances the state machine. Terminal states (stateDone) are
// absorbing and never overwritten.
func (rc *RequestContext) setState(s execState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == stateDone {
		return
	}
	rc.state = s
}

func (rc *RequestContext) currentState() execState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// setWorker records the Worker assigned to this request, so Cancel can
// reach it while Running.
func (rc *RequestContext) setWorker(w *workerpool.Worker, cancel func()) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.worker = w
	rc.cancel = cancel
}

func (rc *RequestContext) snapshot() (*workerpool.Worker, func(), execState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.worker, rc.cancel, rc.state
}

// finish consumes the callback slot exactly once.
func (rc *RequestContext) finish(outcome Outcome) {
	rc.mu.Lock()
	rc.state = stateDone
	rc.mu.Unlock()
	rc.once.Do(func() {
		rc.callback(outcome)
	})
}

// cancelledOutcome builds the Outcome delivered to a cancelled request.
func cancelledOutcome(uuid string) Outcome {
	return Outcome{UUID: uuid, Err: romaerrors.New(romaerrors.Cancelled)}
}

// timeoutOutcome builds the Outcome delivered when the watchdog fires.
func timeoutOutcome(uuid string) Outcome {
	return Outcome{UUID: uuid, Err: romaerrors.New(romaerrors.Timeout)}
}
