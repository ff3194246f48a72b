package executor

import (
	"context"
	"fmt"

	romaerrors "roma/pkg/errors"
)

// HandlerFunc implements one named handler a NativeExecutor serves.
type HandlerFunc func(ctx context.Context, inputs []string) ([]byte, error)

// NativeExecutor is an in-process table of handlers keyed by name,
// standing in for a real exec'd tenant binary so executor_test.go can
// exercise Loop end to end. A genuine native-binary UDF speaks the framed
// protocol itself and never runs through this type.
type NativeExecutor struct {
	handlers map[string]HandlerFunc
}

// NewNativeExecutor builds a NativeExecutor serving the given handlers.
func NewNativeExecutor(handlers map[string]HandlerFunc) *NativeExecutor {
	return &NativeExecutor{handlers: handlers}
}

// Invoke dispatches to the named handler.
func (n *NativeExecutor) Invoke(ctx context.Context, handlerName string, inputs []string) ([]byte, map[string]int64, error) {
	h, ok := n.handlers[handlerName]
	if !ok {
		return nil, nil, romaerrors.Newf(romaerrors.NotFound, "no handler registered: %s", handlerName)
	}
	out, err := h(ctx, inputs)
	if err != nil {
		return nil, nil, romaerrors.Wrap(err, romaerrors.UdfFailure)
	}
	return out, map[string]int64{}, nil
}

// EchoGreeting is the reference handler used by the "Sample" test
// scenario: given ["Hello"], it returns "Hello, world!".
func EchoGreeting(ctx context.Context, inputs []string) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("missing input")
	}
	return []byte(fmt.Sprintf("%s, world!", inputs[0])), nil
}
