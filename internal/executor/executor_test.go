package executor

import (
	"context"
	"net"
	"testing"

	"roma/internal/protocol"
	"roma/internal/transport"
	romaerrors "roma/pkg/errors"
)

// TestLoopDispatchesToRegisteredHandler exercises the §4.2 per-request loop
// against an in-memory pipe standing in for a worker's rendezvous
// connection: a framed ExecRequest in, a framed ExecResponse out.
func TestLoopDispatchesToRegisteredHandler(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	exec := NewNativeExecutor(map[string]HandlerFunc{"Sample": EchoGreeting})
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- Loop(context.Background(), transport.NewControlConn(serverSide), exec)
	}()

	clientConn := transport.NewControlConn(clientSide)
	if err := clientConn.WriteRecord(protocol.ExecRequest{UUID: "u1", HandlerName: "Sample", Inputs: []string{"Hello"}}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	var resp protocol.ExecResponse
	if err := clientConn.ReadRecord(&resp); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if resp.Status != "ok" || string(resp.OutputByte) != "Hello, world!" {
		t.Fatalf("got status %q output %q, want ok / %q", resp.Status, resp.OutputByte, "Hello, world!")
	}

	_ = clientSide.Close()
	if err := <-loopErr; err == nil {
		t.Fatal("expected Loop to return an error once the connection closes")
	}
}

// TestLoopReportsUdfFailureStatus checks that a handler error surfaces as
// status "udf_failure" with the error text as output, per the wire
// contract Dispatcher.runOnWorker expects.
func TestLoopReportsUdfFailureStatus(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	exec := NewNativeExecutor(map[string]HandlerFunc{"Sample": EchoGreeting})
	go func() { _ = Loop(context.Background(), transport.NewControlConn(serverSide), exec) }()

	clientConn := transport.NewControlConn(clientSide)
	if err := clientConn.WriteRecord(protocol.ExecRequest{UUID: "u2", HandlerName: "Sample"}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	var resp protocol.ExecResponse
	if err := clientConn.ReadRecord(&resp); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if resp.Status != "udf_failure" {
		t.Fatalf("got status %q, want udf_failure", resp.Status)
	}
}

// TestNativeExecutorInvokeUnknownHandler checks the NotFound classification
// for a handler name the table was never given.
func TestNativeExecutorInvokeUnknownHandler(t *testing.T) {
	exec := NewNativeExecutor(map[string]HandlerFunc{"Sample": EchoGreeting})
	_, _, err := exec.Invoke(context.Background(), "NoSuchHandler", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered handler")
	}
	if romaerrors.KindOf(err) != romaerrors.NotFound {
		t.Fatalf("got kind %v, want NotFound", romaerrors.KindOf(err))
	}
}
