package api

import "fmt"

// TransportError wraps a failed or undecodable exchange with the platform.
// Callers treat it as recoverable: observation retries, reconciliation falls
// back to the server-side mapper.
type TransportError struct {
	Op  string // method path or logical operation
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErr(op string, format string, args ...interface{}) *TransportError {
	return &TransportError{Op: op, Err: fmt.Errorf(format, args...)}
}
