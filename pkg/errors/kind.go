// Package errors defines the error kinds surfaced by the dispatcher and
// worker pool, and a wrapped error type carrying one of them.
package errors

// Kind identifies one of the error categories the core can surface in a
// callback. Exactly one Kind is attached to every terminal outcome.
type Kind int

const (
	// Unknown is never intentionally produced; it marks a bug if seen.
	Unknown Kind = iota
	InvalidArgument
	QueueFull
	NotFound
	Timeout
	Cancelled
	WorkerUnavailable
	UdfFailure
	TransportError
	OutOfMemory
	Internal
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	InvalidArgument:   "invalid_argument",
	QueueFull:         "queue_full",
	NotFound:          "not_found",
	Timeout:           "timeout",
	Cancelled:         "cancelled",
	WorkerUnavailable: "worker_unavailable",
	UdfFailure:        "udf_failure",
	TransportError:    "transport_error",
	OutOfMemory:       "out_of_memory",
	Internal:          "internal",
}

// String returns the lowercase snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}
