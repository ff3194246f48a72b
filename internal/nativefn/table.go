// Package nativefn is the host-side half of §4.5/§9's native function
// binding: a name-keyed table of Go handlers a UDF can invoke mid-execution
// via a CallbackRequest, answered with a CallbackResponse on the same
// connection.
package nativefn

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Handler implements one native function. ioProto carries the UDF's
// caller-supplied payload; the returned bytes become the CallbackResponse's
// IOProto.
type Handler func(ioProto json.RawMessage) (json.RawMessage, error)

// Table is a concurrency-safe function_name -> Handler registry.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds name to h. It is an error to register the same name
// twice.
func (t *Table) Register(name string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[name]; exists {
		return fmt.Errorf("native function already registered: %s", name)
	}
	t.handlers[name] = h
	return nil
}

// Call invokes the handler registered under name, or reports an error if
// none is.
func (t *Table) Call(name string, ioProto json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no native function registered: %s", name)
	}
	return h(ioProto)
}

// Clear removes every registered handler.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = make(map[string]Handler)
}
