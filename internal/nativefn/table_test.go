package nativefn

import (
	"encoding/json"
	"testing"
)

func exampleHandler(ioProto json.RawMessage) (json.RawMessage, error) {
	return ioProto, nil
}

func TestRegisterPasses(t *testing.T) {
	table := NewTable()
	if err := table.Register("example", exampleHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	table := NewTable()
	if err := table.Register("example", exampleHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := table.Register("example", exampleHandler); err == nil {
		t.Fatal("expected a second Register of the same name to fail")
	}
}

func TestRegisterClearRegisterPasses(t *testing.T) {
	table := NewTable()
	if err := table.Register("example", exampleHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	table.Clear()
	if err := table.Register("example", exampleHandler); err != nil {
		t.Fatalf("Register after Clear: %v", err)
	}
}

func TestCallRegisteredFunction(t *testing.T) {
	table := NewTable()
	if err := table.Register("example", exampleHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out, err := table.Call("example", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("got %s, want echoed io_proto", out)
	}
}

func TestCallUnregisteredFunction(t *testing.T) {
	table := NewTable()
	if _, err := table.Call("example", nil); err == nil {
		t.Fatal("expected an error calling an unregistered function")
	}
}
