package executor

import "fmt"

// ErrorKind classifies execution failures for callers that need to decide
// between retrying next cycle and giving up.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"   // entry never reached a terminal state in time
	KindRejected  ErrorKind = "rejected"  // exchange or final guard refused the order
	KindTransient ErrorKind = "transient" // retry budget exhausted on retryable failures
	KindFatal     ErrorKind = "fatal"     // non-retryable exchange failure
)

// ExecutionError wraps any failure surfaced by the trade executor.
type ExecutionError struct {
	Kind   ErrorKind
	Symbol string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for %s (%s): %v", e.Symbol, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
