// Package dispatcher implements C4: admission, routing, timeouts,
// broadcast-load, cancellation, and callback delivery for Load, Execute,
// BatchExecute, Cancel, and Delete.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"roma/internal/codeentry"
	"roma/internal/nativefn"
	"roma/internal/sideband"
	"roma/internal/workerpool"
)

// workerPool is the subset of *workerpool.Pool the Dispatcher drives.
// Narrowing to an interface lets tests substitute a fake pool without
// spawning real worker processes.
type workerPool interface {
	LoadBinary(ctx context.Context, entry codeentry.Entry, nWorkers int) ([]*workerpool.Worker, []error)
	AcquireIdle(ctx context.Context, token codeentry.Token) (*workerpool.Worker, error)
	Release(ctx context.Context, w *workerpool.Worker, outcome workerpool.Outcome)
	Terminate(token codeentry.Token)
	Kill(w *workerpool.Worker)
	WasOOMKilled(w *workerpool.Worker) bool
	Snapshot() map[string][]string
}

// Config bounds admission and default timeouts, mirroring
// pkg/config.PoolConfig's dispatcher-relevant fields.
type Config struct {
	WorkerQueueCap   int
	DefaultTimeout   time.Duration
	MaxMetadataBytes int
}

// Dispatcher is the external API described in spec §4.4. It exclusively
// owns the CodeEntry and PendingLoad tables; the Worker Pool exclusively
// owns the Worker table and is reached only through workerpool.Pool's
// by-value API.
type Dispatcher struct {
	cfg       Config
	pool      workerPool
	sideband  *sideband.Table
	nativeFns *nativefn.Table

	entriesMu sync.Mutex
	entries   map[codeentry.Token]*codeentry.Entry

	loadsMu sync.Mutex
	loads   map[codeentry.Token]*pendingLoad

	requestsMu sync.Mutex
	requests   map[string]*RequestContext

	// admittedMu guards the per-token admission counters enforcing P2.
	admittedMu sync.Mutex
	admitted   map[codeentry.Token]int
}

// New constructs a Dispatcher. The Worker Pool is constructed separately
// (it needs the Dispatcher's entry lookups before the Dispatcher can hold
// a *workerpool.Pool), via workerpool.New(cfg, d.EntryProvider()).
func New(cfg Config, sb *sideband.Table) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		sideband:  sb,
		nativeFns: nativefn.NewTable(),
		entries:   make(map[codeentry.Token]*codeentry.Entry),
		loads:     make(map[codeentry.Token]*pendingLoad),
		requests:  make(map[string]*RequestContext),
		admitted:  make(map[codeentry.Token]int),
	}
}

// RegisterNativeFunction binds name to h in the host-side native function
// table, so a UDF's mid-execution CallbackRequest for name routes to h.
func (d *Dispatcher) RegisterNativeFunction(name string, h nativefn.Handler) error {
	return d.nativeFns.Register(name, h)
}

// AttachPool wires the already-constructed Worker Pool. Split from New
// because the Pool's EntryProvider is the Dispatcher itself.
func (d *Dispatcher) AttachPool(pool workerPool) {
	d.pool = pool
}

// EntryProvider exposes the CodeEntry table's Lookup to the Worker Pool,
// by value, per the "no cross-component pointers" ownership rule.
func (d *Dispatcher) EntryProvider() workerpool.EntryProvider {
	return entryProviderAdapter{d}
}

type entryProviderAdapter struct{ d *Dispatcher }

func (a entryProviderAdapter) Lookup(token codeentry.Token) (codeentry.Entry, bool) {
	a.d.entriesMu.Lock()
	defer a.d.entriesMu.Unlock()
	e, ok := a.d.entries[token]
	if !ok {
		return codeentry.Entry{}, false
	}
	return e.Clone(), true
}

// MarkUnhealthy flags token's CodeEntry unhealthy once the Worker Pool has
// exhausted its startup retry cap respawning a crashed worker for it. A
// concurrent Delete may have already removed the entry, in which case
// there is nothing left to flag.
func (a entryProviderAdapter) MarkUnhealthy(token codeentry.Token) {
	a.d.entriesMu.Lock()
	defer a.d.entriesMu.Unlock()
	if e, ok := a.d.entries[token]; ok {
		e.Unhealthy = true
	}
}

func (d *Dispatcher) lookupEntry(token codeentry.Token) (*codeentry.Entry, bool) {
	d.entriesMu.Lock()
	defer d.entriesMu.Unlock()
	e, ok := d.entries[token]
	return e, ok
}

// Snapshot returns a by-value copy of every worker's state, keyed by
// code token, for the admin HTTP surface.
func (d *Dispatcher) Snapshot() map[string][]string {
	return d.pool.Snapshot()
}
