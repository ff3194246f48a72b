package workerpool

import (
	"context"

	"go.uber.org/zap"

	"roma/pkg/logger"
)

// reapLoop is the dedicated supervisor that cooperatively waits on worker
// exits reported by the per-worker goroutines started in watchExit. On
// exit it looks up the Worker by pid: if the owning CodeEntry still
// exists, it clones the binary and spawns a replacement carrying the same
// token; otherwise it releases the scratch directory and drops the entry.
func (p *Pool) reapLoop() {
	defer close(p.reapDone)
	ctx := context.Background()
	for {
		select {
		case ev := <-p.reapEvents:
			p.handleExit(ctx, ev)
		case <-p.stopReap:
			return
		}
	}
}

func (p *Pool) handleExit(ctx context.Context, ev reapEvent) {
	p.mu.Lock()
	w, ok := p.byPID[ev.pid]
	var claimed bool
	if ok {
		delete(p.byPID, ev.pid)
		q := p.queueFor(w.Token)
		for i, idle := range q.idle {
			if idle == w {
				q.idle = append(q.idle[:i], q.idle[i+1:]...)
				break
			}
		}
		wasTerminating := w.State == Terminating
		w.State = Gone
		claimed = !w.goneHandled && !wasTerminating
		w.goneHandled = true
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	logger.Warn(ctx, "worker exited", zap.Int("pid", ev.pid), zap.String("code_token", string(w.Token)), zap.Error(ev.err))
	p.cleanupWorker(w)

	if !claimed {
		return
	}

	entry, found := p.entries.Lookup(w.Token)
	if !found {
		return
	}
	go p.respawnWithBackoff(ctx, entry)
}
