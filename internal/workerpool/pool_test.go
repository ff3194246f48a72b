package workerpool

import (
	"context"
	"testing"
	"time"

	"roma/internal/codeentry"
)

type fakeEntryProvider struct {
	entries   map[codeentry.Token]codeentry.Entry
	unhealthy map[codeentry.Token]bool
}

func (f *fakeEntryProvider) Lookup(token codeentry.Token) (codeentry.Entry, bool) {
	e, ok := f.entries[token]
	return e, ok
}

func (f *fakeEntryProvider) MarkUnhealthy(token codeentry.Token) {
	if f.unhealthy == nil {
		f.unhealthy = make(map[codeentry.Token]bool)
	}
	f.unhealthy[token] = true
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := New(Config{StartupRetryCap: 3}, &fakeEntryProvider{entries: map[codeentry.Token]codeentry.Entry{}})
	t.Cleanup(p.Close)
	return p
}

func TestAcquireIdleReturnsAlreadyIdleWorker(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	token := codeentry.Token("tok-a")
	w := &Worker{PID: 1, Token: token}
	p.registerSpawning(token, w)
	p.markIdle(w)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.AcquireIdle(ctx, token)
	if err != nil {
		t.Fatalf("AcquireIdle: %v", err)
	}
	if got != w {
		t.Fatalf("got different worker than the one marked idle")
	}
	if got.State != Busy {
		t.Fatalf("got state %v, want Busy", got.State)
	}
}

// P3: if Execute A is admitted before Execute B on the same token and a
// single worker serves both, A's worker acquisition completes before B's.
func TestAcquireIdleIsFIFO(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	token := codeentry.Token("tok-fifo")

	order := make(chan int, 2)
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		close(started)
		if _, err := p.AcquireIdle(ctx, token); err == nil {
			order <- 1
		}
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // ensure the first waiter registers before the second

	go func() {
		if _, err := p.AcquireIdle(ctx, token); err == nil {
			order <- 2
		}
	}()
	time.Sleep(20 * time.Millisecond)

	w1 := &Worker{PID: 1, Token: token}
	w2 := &Worker{PID: 2, Token: token}
	p.registerSpawning(token, w1)
	p.registerSpawning(token, w2)
	p.markIdle(w1)
	p.markIdle(w2)

	first := <-order
	second := <-order
	if first != 1 || second != 2 {
		t.Fatalf("got order %d,%d want 1,2", first, second)
	}
}

func TestAcquireIdleTimesOut(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.AcquireIdle(ctx, codeentry.Token("no-such-token"))
	if err == nil {
		t.Fatal("expected WorkerUnavailable on deadline expiry")
	}
}

func TestReleaseCleanReturnsWorkerToIdle(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	token := codeentry.Token("tok-release")
	w := &Worker{PID: 7, Token: token, State: Busy}
	p.registerSpawning(token, w)

	p.Release(context.Background(), w, Clean)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.AcquireIdle(ctx, token)
	if err != nil {
		t.Fatalf("AcquireIdle after Release(Clean): %v", err)
	}
	if got != w {
		t.Fatal("expected the released worker to be reacquired")
	}
}

func TestReleaseFaultedMarksWorkerGone(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	token := codeentry.Token("tok-fault")
	dir := t.TempDir()
	w := &Worker{PID: 9, Token: token, State: Busy, ScratchDir: dir}
	p.registerSpawning(token, w)

	p.Release(context.Background(), w, Faulted)

	if w.State != Gone {
		t.Fatalf("got state %v, want Gone", w.State)
	}
	p.mu.Lock()
	_, stillTracked := p.byPID[w.PID]
	p.mu.Unlock()
	if stillTracked {
		t.Fatal("expected faulted worker removed from pid table")
	}
}

func TestWasOOMKilledFalseWithoutCgroup(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	w := &Worker{PID: 11, Token: codeentry.Token("tok-oom")}
	if p.WasOOMKilled(w) {
		t.Fatal("expected false for a worker with no cgroup path")
	}
}

func TestSnapshotReportsWorkerStates(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)
	token := codeentry.Token("tok-snap")
	w := &Worker{PID: 3, Token: token}
	p.registerSpawning(token, w)
	p.markIdle(w)

	snap := p.Snapshot()
	states, ok := snap[string(token)]
	if !ok || len(states) != 1 || states[0] != "idle" {
		t.Fatalf("got snapshot %+v, want one idle worker for %s", snap, token)
	}
}

// TestRespawnExhaustionMarksUnhealthy exercises the "exceeding the startup
// retry cap marks the CodeEntry unhealthy" behavior: every respawn attempt
// fails immediately because WorkerInitPath doesn't resolve to a real
// binary, so respawnWithBackoff should exhaust its retry cap and report the
// token unhealthy through the EntryProvider rather than just logging it.
func TestRespawnExhaustionMarksUnhealthy(t *testing.T) {
	t.Parallel()
	provider := &fakeEntryProvider{entries: map[codeentry.Token]codeentry.Entry{}}
	p := New(Config{
		StartupRetryCap: 1,
		ScratchRoot:     t.TempDir(),
		RendezvousDir:   t.TempDir(),
		WorkerInitPath:  "/nonexistent-roma-worker-init-binary",
	}, provider)
	t.Cleanup(p.Close)

	token := codeentry.Token("tok-unhealthy")
	entry := codeentry.Entry{Token: token, DesiredWorkerCount: 1}

	p.respawnWithBackoff(context.Background(), entry)

	if !provider.unhealthy[token] {
		t.Fatal("expected respawn exhaustion to mark the token unhealthy")
	}
}
