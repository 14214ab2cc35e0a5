package debug

import (
	"fmt"
	"runtime"
)

// NOTE: assertions can not be turned off. if that is ever needed, build tags
// like in
// https://sourcegraph.com/github.com/apache/arrow/-/blob/go/parquet/internal/debug/assert_off.go
// are the way to go.

// NOTE: the shape is borrowed from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18

// Assert panics when truth is false. It guards invariants that only a
// programming error can break (double start, impossible state), never input
// that arrives over the wire.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}

	text := "assertion failed"
	if len(msg) == 1 {
		text = fmt.Sprintf("assertion failed: %s", msg[0])
	}
	// report the caller, otherwise the location is buried under the
	// panic machinery when recovered upstream.
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}
