package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"roma/internal/codeentry"
	romaerrors "roma/pkg/errors"
	"roma/pkg/logger"
)

// pendingLoad tracks one in-flight broadcast-load: the barrier every
// per-worker outcome arrives at before Load reports success or failure.
type pendingLoad struct {
	token         codeentry.Token
	expected      int32
	remaining     int32
	firstFailure  atomic.Value // loadFailure
	done          chan struct{}
}

// loadFailure boxes a per-worker load error so firstFailure always holds
// one concrete type, whatever error type each worker reported.
type loadFailure struct{ err error }

func newPendingLoad(token codeentry.Token, n int) *pendingLoad {
	return &pendingLoad{token: token, expected: int32(n), remaining: int32(n), done: make(chan struct{})}
}

// record implements the broadcast-load algorithm: atomically decrement the
// remaining counter; when it reaches zero every outcome has arrived and
// waiters are released.
func (pl *pendingLoad) record(err error) {
	if err != nil {
		pl.firstFailure.CompareAndSwap(nil, loadFailure{err})
	}
	if atomic.AddInt32(&pl.remaining, -1) == 0 {
		close(pl.done)
	}
}

func (pl *pendingLoad) wait(ctx context.Context) error {
	select {
	case <-pl.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if v := pl.firstFailure.Load(); v != nil {
		return v.(loadFailure).err
	}
	return nil
}

// Load assigns a fresh token to entry, stores it, and brings up
// entry.DesiredWorkerCount workers. It returns once every worker has
// reached Idle, or reports the first failure and tears down any
// successfully spawned workers for this token (all-or-nothing).
func (d *Dispatcher) Load(ctx context.Context, entry codeentry.Entry) (codeentry.Token, error) {
	if entry.DesiredWorkerCount <= 0 {
		return "", romaerrors.ValidationError("desired_worker_count", "must be positive")
	}
	if entry.Loader != codeentry.LoaderNative {
		// The worker pool execs a tenant-supplied native binary; there is
		// no embedded JavaScript/wasm engine anywhere in this build to
		// hand a LoaderJavaScript/LoaderJavaScriptWithWasm/LoaderWasmOnly
		// entry to. Reject up front rather than spawning workers against
		// a binary that was never written, which would otherwise surface
		// as a confusing WorkerUnavailable from a failed exec.
		return "", romaerrors.New(romaerrors.UdfFailure).WithMessage("loader type not supported by this build").
			WithDetail("loader_type", entry.Loader.String())
	}

	token := codeentry.NewToken()
	entry.Token = token
	entry.RefCount = 1
	ctx = logger.WithCodeToken(ctx, string(token))
	logger.Info(ctx, "load start", zap.Int("desired_worker_count", entry.DesiredWorkerCount))

	d.entriesMu.Lock()
	d.entries[token] = &entry
	d.entriesMu.Unlock()

	if err := d.broadcastLoad(ctx, entry); err != nil {
		logger.Warn(ctx, "load failed", zap.Error(err))
		d.pool.Terminate(token)
		d.entriesMu.Lock()
		delete(d.entries, token)
		d.entriesMu.Unlock()
		return "", err
	}
	logger.Info(ctx, "load succeeded")
	return token, nil
}

// LoadForLogging creates a log-egress-enabled alias of existingToken,
// sharing its binary via the same CodeEntry payload and incrementing its
// refcount, then spawns workers against the alias. Deleting the original
// token afterward must not break the alias (P6).
//
// If existingToken is currently draining (Delete is in flight), this
// serializes behind it: it waits for the drain to finish rather than
// racing to create an alias of a token that is being torn down. Once the
// drain completes the token is gone, so the call reports NotFound, the
// same outcome as for any already-deleted token.
func (d *Dispatcher) LoadForLogging(ctx context.Context, existingToken codeentry.Token) (codeentry.Token, error) {
	original, err := d.claimOriginalForAlias(ctx, existingToken)
	if err != nil {
		return "", err
	}

	aliasToken := codeentry.NewToken()
	ctx = logger.WithCodeToken(ctx, string(aliasToken))
	logger.Info(ctx, "load for logging start", zap.String("alias_of", string(existingToken)))

	d.entriesMu.Lock()
	alias := original.Clone()
	alias.Token = aliasToken
	alias.LogEgress = true
	alias.AliasOf = existingToken
	alias.RefCount = 1
	d.entries[aliasToken] = &alias
	d.entriesMu.Unlock()

	if err := d.broadcastLoad(ctx, alias); err != nil {
		logger.Warn(ctx, "load for logging failed", zap.Error(err))
		d.pool.Terminate(aliasToken)
		d.entriesMu.Lock()
		delete(d.entries, aliasToken)
		if orig, ok := d.entries[existingToken]; ok {
			orig.RefCount--
		}
		d.entriesMu.Unlock()
		return "", err
	}
	logger.Info(ctx, "load for logging succeeded")
	return aliasToken, nil
}

// claimOriginalForAlias waits out any in-flight drain of token, then
// atomically increments its refcount and returns a clone for
// LoadForLogging to build an alias from. The increment happens under the
// same lock acquisition as the draining check, so a Delete that starts
// after this returns always sees the bumped refcount.
func (d *Dispatcher) claimOriginalForAlias(ctx context.Context, token codeentry.Token) (codeentry.Entry, error) {
	for {
		d.entriesMu.Lock()
		original, ok := d.entries[token]
		if !ok {
			d.entriesMu.Unlock()
			return codeentry.Entry{}, romaerrors.Newf(romaerrors.NotFound, "unknown code token: %s", token)
		}
		if !original.Draining {
			original.RefCount++
			clone := original.Clone()
			d.entriesMu.Unlock()
			return clone, nil
		}
		d.entriesMu.Unlock()

		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return codeentry.Entry{}, romaerrors.Wrap(ctx.Err(), romaerrors.Cancelled)
		}
	}
}

// broadcastLoad dispatches entry.DesiredWorkerCount per-worker load
// sub-requests and applies the all-or-nothing aggregation of §4.4.
func (d *Dispatcher) broadcastLoad(ctx context.Context, entry codeentry.Entry) error {
	pl := newPendingLoad(entry.Token, entry.DesiredWorkerCount)
	d.loadsMu.Lock()
	d.loads[entry.Token] = pl
	d.loadsMu.Unlock()
	defer func() {
		d.loadsMu.Lock()
		delete(d.loads, entry.Token)
		d.loadsMu.Unlock()
	}()

	_, errs := d.pool.LoadBinary(ctx, entry, entry.DesiredWorkerCount)
	for _, err := range errs {
		pl.record(err)
	}
	return pl.wait(ctx)
}

// Delete asynchronously drains in-flight requests for token (each sees
// Cancelled), terminates its workers, and removes the CodeEntry,
// respecting alias refcounts.
func (d *Dispatcher) Delete(token codeentry.Token) {
	ctx := logger.WithCodeToken(context.Background(), string(token))

	d.entriesMu.Lock()
	entry, ok := d.entries[token]
	if ok {
		entry.Draining = true
	}
	d.entriesMu.Unlock()
	if !ok {
		return
	}
	logger.Info(ctx, "delete start")

	go func() {
		d.drainToken(token)
		d.pool.Terminate(token)

		d.entriesMu.Lock()
		defer d.entriesMu.Unlock()
		e, ok := d.entries[token]
		if !ok {
			return
		}
		delete(d.entries, token)
		if e.IsAlias() {
			if original, ok := d.entries[e.AliasOf]; ok {
				original.RefCount--
			}
		}
		logger.Info(ctx, "delete finished")
	}()
}

// drainToken cancels every non-terminal RequestContext for token.
func (d *Dispatcher) drainToken(token codeentry.Token) {
	d.requestsMu.Lock()
	var targets []*RequestContext
	for _, rc := range d.requests {
		if rc.Token == token {
			targets = append(targets, rc)
		}
	}
	d.requestsMu.Unlock()

	for _, rc := range targets {
		d.cancelRequest(rc)
	}
}
