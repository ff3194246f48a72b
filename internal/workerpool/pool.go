// Package workerpool implements C3: spawning, supervising, and recycling
// the warm pool of worker processes behind each loaded code token.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"roma/internal/codeentry"
	"roma/internal/workerruntime"
	romaerrors "roma/pkg/errors"
	"roma/pkg/logger"
)

// EntryProvider is the read-only view of the Dispatcher's CodeEntry table
// the pool needs to respawn a crashed worker without owning that table
// itself. Cross-component references stay by value.
type EntryProvider interface {
	Lookup(token codeentry.Token) (codeentry.Entry, bool)

	// MarkUnhealthy flags token's CodeEntry as unhealthy in the
	// Dispatcher's table, once the pool has exhausted its startup retry
	// cap respawning a crashed worker for it.
	MarkUnhealthy(token codeentry.Token)
}

// Config configures spawn behavior; mirrors pkg/config.PoolConfig's
// worker-pool-relevant fields so the pool itself has no dependency on the
// config package.
type Config struct {
	RendezvousDir      string
	ScratchRoot        string
	WorkerInitPath     string
	Mounts             []workerruntime.MountSpec
	SeccompProfilePath string
	StartupRetryCap    int
	AcceptTimeout      time.Duration
	// CgroupRoot enables per-worker cgroup v2 memory/pids limiting when
	// non-empty (SPEC_FULL.md §4.2 supplemental hardening); cpu.max is
	// written unlimited.
	CgroupRoot      string
	CgroupMemoryMB  int64
	CgroupPIDsLimit int64
}

type tokenQueue struct {
	idle    []*Worker
	waiters []chan *Worker
}

// Pool owns the Worker table and exposes the LoadBinary/AcquireIdle/
// Release/Terminate operations of §4.3.
type Pool struct {
	cfg     Config
	entries EntryProvider

	mu      sync.Mutex
	byPID   map[int]*Worker
	byToken map[codeentry.Token]*tokenQueue

	reapEvents chan reapEvent
	stopReap   chan struct{}
	reapDone   chan struct{}
}

type reapEvent struct {
	pid int
	err error
}

// New constructs a Pool. entries supplies the CodeEntry lookups needed for
// crash-triggered respawn.
func New(cfg Config, entries EntryProvider) *Pool {
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = 5 * time.Second
	}
	if cfg.StartupRetryCap == 0 {
		cfg.StartupRetryCap = 3
	}
	p := &Pool{
		cfg:        cfg,
		entries:    entries,
		byPID:      make(map[int]*Worker),
		byToken:    make(map[codeentry.Token]*tokenQueue),
		reapEvents: make(chan reapEvent, 64),
		stopReap:   make(chan struct{}),
		reapDone:   make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Close stops the reaper goroutine. Workers already spawned are left
// running; callers should Terminate every token first.
func (p *Pool) Close() {
	close(p.stopReap)
	<-p.reapDone
}

func (p *Pool) queueFor(token codeentry.Token) *tokenQueue {
	q, ok := p.byToken[token]
	if !ok {
		q = &tokenQueue{}
		p.byToken[token] = q
	}
	return q
}

// LoadBinary spawns nWorkers workers for entry concurrently, writing the
// binary to a scratch path under ScratchRoot for each. It returns once
// every spawn attempt has finished: each worker has either sent its Hello
// and reached Idle, or failed with its error at the same index of the
// returned slice. The Dispatcher's broadcast-load barrier aggregates those
// per-worker outcomes into the all-or-nothing result.
func (p *Pool) LoadBinary(ctx context.Context, entry codeentry.Entry, nWorkers int) ([]*Worker, []error) {
	workers := make([]*Worker, nWorkers)
	errs := make([]error, nWorkers)
	var wg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := p.spawnOne(ctx, entry)
			workers[i] = w
			errs[i] = err
		}(i)
	}
	wg.Wait()
	return workers, errs
}

func (p *Pool) registerSpawning(token codeentry.Token, w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byPID[w.PID] = w
	p.queueFor(token)
}

func (p *Pool) markIdle(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.State = Idle
	q := p.queueFor(w.Token)
	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.State = Busy
		ch <- w
		return
	}
	q.idle = append(q.idle, w)
}

// AcquireIdle blocks until an Idle Worker for token exists, transitions it
// to Busy, and returns it. Acquisition is FIFO per token: if no worker is
// immediately available the caller is queued behind earlier callers.
func (p *Pool) AcquireIdle(ctx context.Context, token codeentry.Token) (*Worker, error) {
	p.mu.Lock()
	q := p.queueFor(token)
	if len(q.idle) > 0 {
		w := q.idle[0]
		q.idle = q.idle[1:]
		w.State = Busy
		p.mu.Unlock()
		return w, nil
	}
	ch := make(chan *Worker, 1)
	q.waiters = append(q.waiters, ch)
	p.mu.Unlock()

	select {
	case w := <-ch:
		return w, nil
	case <-ctx.Done():
		p.removeWaiter(token, ch)
		return nil, romaerrors.New(romaerrors.WorkerUnavailable).WithMessage("no idle worker before deadline").
			WithDetail("code_token", string(token))
	}
}

func (p *Pool) removeWaiter(token codeentry.Token, target chan *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queueFor(token)
	for i, ch := range q.waiters {
		if ch == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	// A worker may have been sent on the channel in the race between
	// ctx.Done() firing and markIdle's send; drain it back to idle so it
	// is not lost.
	select {
	case w := <-target:
		p.mu.Unlock()
		p.markIdle(w)
		p.mu.Lock()
	default:
	}
}

// Release reports the outcome of the request a Busy Worker just served.
// Clean returns it to Idle; Faulted/TimedOut marks it Gone and schedules a
// respawn carrying the same token.
func (p *Pool) Release(ctx context.Context, w *Worker, outcome Outcome) {
	if outcome == Clean {
		p.markIdle(w)
		return
	}

	p.mu.Lock()
	w.State = Gone
	delete(p.byPID, w.PID)
	claimed := !w.goneHandled
	w.goneHandled = true
	p.mu.Unlock()

	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	p.cleanupWorker(w)

	if !claimed {
		return
	}
	entry, ok := p.entries.Lookup(w.Token)
	if !ok {
		return
	}
	go p.respawnWithBackoff(ctx, entry)
}

// Terminate transitions every Worker carrying token to Terminating, kills
// its process, and removes its scratch directory and cgroup. It does not
// wait for the process to exit: the reaper observes the exit afterwards
// and, since the worker is Terminating, does not respawn it.
func (p *Pool) Terminate(token codeentry.Token) {
	p.mu.Lock()
	q := p.queueFor(token)
	var targets []*Worker
	for _, w := range q.idle {
		targets = append(targets, w)
	}
	q.idle = nil
	for pid, w := range p.byPID {
		if w.Token == token {
			targets = append(targets, w)
			_ = pid
		}
	}
	p.mu.Unlock()

	for _, w := range targets {
		p.terminateOne(w)
	}
}

func (p *Pool) terminateOne(w *Worker) {
	p.mu.Lock()
	w.State = Terminating
	p.mu.Unlock()
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	p.cleanupWorker(w)
}

// Kill forces w's process to exit, surfacing as a crash to the reaper,
// which will mark it Gone and, for a non-Terminating worker, respawn a
// replacement. Used by the Dispatcher to force a Running request's worker
// Gone on Cancel or watchdog timeout.
func (p *Pool) Kill(w *Worker) {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (p *Pool) cleanupWorker(w *Worker) {
	if w.ScratchDir != "" {
		_ = os.RemoveAll(w.ScratchDir)
	}
	if w.CgroupPath != "" {
		_ = os.RemoveAll(w.CgroupPath)
	}
}

func (p *Pool) respawnWithBackoff(ctx context.Context, entry codeentry.Entry) {
	backoff := 100 * time.Millisecond
	const ceiling = 5 * time.Second
	for attempt := 0; attempt < p.cfg.StartupRetryCap; attempt++ {
		w, err := p.spawnOne(ctx, entry)
		if err == nil {
			logger.Info(ctx, "respawned worker", zap.String("code_token", string(entry.Token)), zap.Int("pid", w.PID))
			return
		}
		logger.Warn(ctx, "respawn attempt failed", zap.String("code_token", string(entry.Token)), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > ceiling {
			backoff = ceiling
		}
	}
	logger.Error(ctx, "worker respawn exhausted retry cap", zap.String("code_token", string(entry.Token)))
	p.entries.MarkUnhealthy(entry.Token)
}

func (p *Pool) scratchDirFor(token codeentry.Token) (string, error) {
	dir := filepath.Join(p.cfg.ScratchRoot, fmt.Sprintf("%s-%d", token, time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("mkdir scratch dir: %w", err)
	}
	return dir, nil
}

// Snapshot returns the state of every worker currently known, for the
// admin HTTP surface.
func (p *Pool) Snapshot() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]string)
	for _, w := range p.byPID {
		out[string(w.Token)] = append(out[string(w.Token)], w.State.String())
	}
	return out
}
