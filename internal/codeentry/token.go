// Package codeentry holds the CodeToken/CodeEntry data model: the loaded
// UDF binaries the Dispatcher hands out tokens for and the Worker Pool
// spawns workers against.
package codeentry

import "github.com/google/uuid"

// Token is the opaque, globally-unique 36-character identifier returned by
// Load and carried on every Execute.
type Token string

// NewToken mints a fresh Token in canonical 36-character form.
func NewToken() Token {
	return Token(uuid.NewString())
}

// LoaderType identifies how a CodeEntry's payload is executed.
type LoaderType int

const (
	LoaderNative LoaderType = iota
	LoaderJavaScript
	LoaderJavaScriptWithWasm
	LoaderWasmOnly
)

func (t LoaderType) String() string {
	switch t {
	case LoaderNative:
		return "native-binary"
	case LoaderJavaScript:
		return "javascript"
	case LoaderJavaScriptWithWasm:
		return "javascript-with-wasm"
	case LoaderWasmOnly:
		return "wasm-only"
	default:
		return "unknown"
	}
}
