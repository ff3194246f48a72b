package workerpool

import (
	"bytes"
	"sync"
)

// logBuffer is a concurrency-safe growable buffer capturing one
// LogEgress-enabled worker's UDF stdout. It is wired as cmd.Stdout in
// spawnOne, so writes arrive from the goroutine os/exec starts to copy the
// child's stdout pipe, while Drain is called from the dispatcher's
// request-completion path; every access is mutex-guarded.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogBuffer() *logBuffer {
	return &logBuffer{}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Drain returns everything captured since the last Drain and resets the
// buffer, so the caller gets only the output written during its own
// request window rather than the worker's whole lifetime.
func (b *logBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	b.buf.Reset()
	return out
}
