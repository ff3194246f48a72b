package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roma/internal/codeentry"
	"roma/internal/protocol"
	"roma/internal/sideband"
	"roma/internal/workerpool"
	romaerrors "roma/pkg/errors"
	"roma/pkg/logger"
)

// ExecuteRequest is the caller-supplied request for one Execute/
// BatchExecute item.
type ExecuteRequest struct {
	HandlerName string
	Inputs      []string
	RequestID   string
	MinLogLevel int
	Timeout     time.Duration // zero uses Config.DefaultTimeout
}

// Execute implements §4.4's admission sequence and asynchronous per-request
// execution. It returns synchronously with InvalidArgument, NotFound, or
// QueueFull on admission rejection; otherwise it returns nil immediately
// and callback fires exactly once with the terminal outcome.
func (d *Dispatcher) Execute(ctx context.Context, token codeentry.Token, req ExecuteRequest, metadata map[string]string, callback Callback) error {
	if token == "" {
		return romaerrors.ValidationError("code_token", "required")
	}
	if req.HandlerName == "" {
		return romaerrors.ValidationError("handler_name", "required")
	}
	if metadataSize(metadata) > d.cfg.MaxMetadataBytes {
		return romaerrors.InvalidArgumentf("metadata exceeds max size of %d bytes", d.cfg.MaxMetadataBytes)
	}

	ctx = logger.WithCodeToken(ctx, string(token))

	entry, ok := d.lookupEntry(token)
	if !ok {
		logger.Warn(ctx, "execute rejected: unknown code token")
		return romaerrors.Newf(romaerrors.NotFound, "unknown code token: %s", token)
	}

	timeout := req.Timeout
	if raw, ok := metadata[protocol.TagTimeout]; ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return romaerrors.InvalidArgumentf("invalid %s metadata value %q: %v", protocol.TagTimeout, raw, err)
		}
		timeout = parsed
	}
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeout
	}

	queueCap := entry.DesiredWorkerCount * d.queueCapOr(d.cfg.WorkerQueueCap)
	if !d.tryAdmit(token, queueCap) {
		logger.Warn(ctx, "execute rejected: queue full", zap.Int("queue_cap", queueCap))
		return romaerrors.New(romaerrors.QueueFull).WithDetail("code_token", string(token))
	}

	requestUUID := uuid.NewString()
	deadline := time.Now().Add(timeout)

	ctx = logger.WithRequestUUID(ctx, requestUUID)
	ctx = logger.WithMinLogLevel(ctx, strconv.Itoa(req.MinLogLevel))

	d.sideband.Put(requestUUID, sideband.Entry{
		RequestUUID: requestUUID,
		CodeToken:   string(token),
		Metadata:    metadata,
		MinLogLevel: req.MinLogLevel,
	})

	rc := newRequestContext(requestUUID, token, metadata, req.MinLogLevel, entry.LogEgress, deadline, func(o Outcome) {
		d.release(token)
		d.sideband.Delete(requestUUID)
		d.untrack(requestUUID)
		if o.Err != nil {
			logger.Warn(ctx, "execute finished with error", zap.String("handler", req.HandlerName), zap.Error(o.Err))
		} else {
			logger.Info(ctx, "execute finished", zap.String("handler", req.HandlerName))
		}
		callback(o)
	})
	d.track(rc)
	rc.setState(stateQueued)
	logger.Info(ctx, "execute admitted", zap.String("handler", req.HandlerName), zap.Duration("timeout", timeout))

	go d.run(ctx, rc, req)
	return nil
}

// BatchExecute submits requests in order and fires callback once with
// per-request outcomes in submission order, after every one has reached a
// terminal state.
func (d *Dispatcher) BatchExecute(ctx context.Context, token codeentry.Token, requests []ExecuteRequest, metadata map[string]string, callback func([]Outcome)) error {
	outcomes := make([]Outcome, len(requests))
	done := make(chan struct{}, len(requests))

	for i, req := range requests {
		i := i
		err := d.Execute(ctx, token, req, metadata, func(o Outcome) {
			outcomes[i] = o
			done <- struct{}{}
		})
		if err != nil {
			outcomes[i] = Outcome{Err: err}
			done <- struct{}{}
		}
	}

	go func() {
		for range requests {
			<-done
		}
		callback(outcomes)
	}()
	return nil
}

// run is the internal-executor task: acquire a worker, start the
// watchdog, write the framed request, await the framed response, release
// the worker, and finish the callback.
func (d *Dispatcher) run(ctx context.Context, rc *RequestContext, req ExecuteRequest) {
	runCtx, cancel := context.WithDeadline(ctx, rc.Deadline)
	rc.setWorker(nil, cancel)
	defer cancel()
	if rc.wasCancelled() {
		cancel()
	}

	worker, err := d.pool.AcquireIdle(runCtx, rc.Token)
	if err != nil {
		if rc.wasCancelled() {
			rc.finish(cancelledOutcome(rc.UUID))
			return
		}
		rc.finish(Outcome{UUID: rc.UUID, Err: romaerrors.Wrap(err, romaerrors.WorkerUnavailable)})
		return
	}
	rc.setState(stateAssigned)
	rc.setWorker(worker, cancel)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			d.pool.Kill(worker)
		case <-watchDone:
		}
	}()

	rc.setState(stateRunning)
	outcome := d.runOnWorker(runCtx, worker, rc, req)
	close(watchDone)

	releaseOutcome := workerpool.Clean
	if outcome.Err != nil {
		releaseOutcome = workerpool.Faulted
		switch {
		case romaerrors.Is(outcome.Err, romaerrors.Timeout):
			releaseOutcome = workerpool.TimedOut
		case d.pool.WasOOMKilled(worker):
			outcome.Err = romaerrors.Wrap(outcome.Err, romaerrors.OutOfMemory)
		}
	}
	d.pool.Release(ctx, worker, releaseOutcome)

	rc.finish(outcome)
}

func (d *Dispatcher) runOnWorker(ctx context.Context, worker *workerpool.Worker, rc *RequestContext, req ExecuteRequest) Outcome {
	tags := map[string]string{
		protocol.TagRequestUUID: rc.UUID,
		protocol.TagMinLogLevel: strconv.Itoa(rc.MinLogLevel),
	}
	if req.RequestID != "" {
		tags[protocol.TagRequestID] = req.RequestID
	}

	wireReq := protocol.ExecRequest{
		UUID:        rc.UUID,
		HandlerName: req.HandlerName,
		Inputs:      req.Inputs,
		Tags:        tags,
	}

	if err := worker.Conn.WriteRecord(wireReq); err != nil {
		return Outcome{UUID: rc.UUID, Err: romaerrors.Wrap(err, romaerrors.TransportError)}
	}

	resp, err := d.readExecResponse(worker)
	if err != nil {
		if ctx.Err() != nil {
			if rc.wasCancelled() {
				return Outcome{UUID: rc.UUID, Err: romaerrors.New(romaerrors.Cancelled)}
			}
			return Outcome{UUID: rc.UUID, Err: romaerrors.New(romaerrors.Timeout)}
		}
		return Outcome{UUID: rc.UUID, Err: romaerrors.Wrap(err, romaerrors.TransportError)}
	}

	logBlob := resp.LogBlob
	if rc.LogEgress && len(logBlob) == 0 {
		logBlob = worker.DrainLog()
	}

	if resp.Status != "ok" {
		return Outcome{UUID: rc.UUID, Output: resp.OutputByte, Metrics: resp.Metrics, LogBlob: logBlob,
			Err: romaerrors.New(romaerrors.UdfFailure).WithMessage(string(resp.OutputByte))}
	}
	return Outcome{UUID: rc.UUID, Output: resp.OutputByte, Metrics: resp.Metrics, LogBlob: logBlob}
}

// readExecResponse reads framed records off worker until the terminal
// ExecResponse arrives, answering any mid-execution CallbackRequest from
// the host's native function table along the way, per §4.5/§9's native
// function binding: a UDF can interleave any number of CallbackRequests
// before its final response.
func (d *Dispatcher) readExecResponse(worker *workerpool.Worker) (protocol.ExecResponse, error) {
	for {
		raw, err := worker.Conn.ReadRecordRaw()
		if err != nil {
			return protocol.ExecResponse{}, err
		}

		isCallback, err := protocol.IsCallbackRequest(raw)
		if err != nil {
			return protocol.ExecResponse{}, err
		}
		if !isCallback {
			var resp protocol.ExecResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return protocol.ExecResponse{}, err
			}
			return resp, nil
		}

		var cbReq protocol.CallbackRequest
		if err := json.Unmarshal(raw, &cbReq); err != nil {
			return protocol.ExecResponse{}, err
		}
		cbResp := protocol.CallbackResponse{UUID: cbReq.UUID}
		if ioResp, callErr := d.nativeFns.Call(cbReq.FunctionName, cbReq.IOProto); callErr != nil {
			cbResp.Error = callErr.Error()
		} else {
			cbResp.IOProto = ioResp
		}
		if err := worker.Conn.WriteRecord(cbResp); err != nil {
			return protocol.ExecResponse{}, err
		}
	}
}

// Cancel is idempotent. A Queued request's callback fires immediately with
// Cancelled; a Running request's worker is forced Gone, surfacing
// Cancelled through the normal Release path; a Done request is a no-op.
func (d *Dispatcher) Cancel(execUUID string) {
	d.requestsMu.Lock()
	rc, ok := d.requests[execUUID]
	d.requestsMu.Unlock()
	if !ok {
		return
	}
	logger.Info(logger.WithRequestUUID(context.Background(), execUUID), "cancel requested")
	d.cancelRequest(rc)
}

func (d *Dispatcher) cancelRequest(rc *RequestContext) {
	rc.markCancelled()
	_, cancel, state := rc.snapshot()
	if state == stateDone {
		return
	}
	if cancel != nil {
		// run's goroutine already registered its deadline-context cancel
		// func; cancelling it unblocks whichever of AcquireIdle or the
		// framed read is in flight, and wasCancelled() makes the
		// resulting outcome Cancelled rather than Timeout.
		cancel()
	}
	// If cancel is still nil, run hasn't reached context.WithDeadline yet;
	// it checks wasCancelled() immediately after and cancels itself.
}

func (d *Dispatcher) track(rc *RequestContext) {
	d.requestsMu.Lock()
	defer d.requestsMu.Unlock()
	d.requests[rc.UUID] = rc
}

func (d *Dispatcher) untrack(uuid string) {
	d.requestsMu.Lock()
	defer d.requestsMu.Unlock()
	delete(d.requests, uuid)
}

func (d *Dispatcher) tryAdmit(token codeentry.Token, queueCap int) bool {
	d.admittedMu.Lock()
	defer d.admittedMu.Unlock()
	if d.admitted[token] >= queueCap {
		return false
	}
	d.admitted[token]++
	return true
}

func (d *Dispatcher) release(token codeentry.Token) {
	d.admittedMu.Lock()
	defer d.admittedMu.Unlock()
	if d.admitted[token] > 0 {
		d.admitted[token]--
	}
}

func (d *Dispatcher) queueCapOr(cap int) int {
	if cap <= 0 {
		return 100
	}
	return cap
}

func metadataSize(metadata map[string]string) int {
	total := 0
	for k, v := range metadata {
		total += len(k) + len(v)
	}
	return total
}
