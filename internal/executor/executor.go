// Package executor implements the §4.2 per-request loop a worker runs
// against its inherited rendezvous connection: read one framed
// ExecRequest, dispatch it, write one framed ExecResponse, repeat. A
// genuine native-binary UDF implements this loop itself in whatever
// language it is written in; this package is the reference
// implementation of that loop, exercised by its own tests in lieu of a
// real exec'd tenant binary. Loader types other than LoaderNative are
// rejected by Dispatcher.Load before a worker is ever spawned (see
// DESIGN.md), so there is no embedded JavaScript/wasm engine here.
package executor

import (
	"context"

	"roma/internal/protocol"
	"roma/internal/transport"
)

// Executor invokes one handler of a loaded UDF and returns its output and
// any per-call metrics, matching ExecResponse.Metrics.
type Executor interface {
	Invoke(ctx context.Context, handlerName string, inputs []string) (output []byte, metrics map[string]int64, err error)
}

// Loop implements the §4.2 per-request loop: read one framed ExecRequest,
// dispatch to exec, write one framed ExecResponse, repeat, until the
// connection closes or ctx is cancelled.
func Loop(ctx context.Context, conn *transport.ControlConn, exec Executor) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var req protocol.ExecRequest
		if err := conn.ReadRecord(&req); err != nil {
			return err
		}

		output, metrics, err := exec.Invoke(ctx, req.HandlerName, req.Inputs)
		resp := protocol.ExecResponse{UUID: req.UUID, Metrics: metrics}
		if err != nil {
			resp.Status = "udf_failure"
			resp.OutputByte = []byte(err.Error())
		} else {
			resp.Status = "ok"
			resp.OutputByte = output
		}

		if err := conn.WriteRecord(resp); err != nil {
			return err
		}
	}
}
