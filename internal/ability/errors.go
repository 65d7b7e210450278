package ability

import (
	"errors"
	"fmt"
)

// DispatchError means an ability reference could not be resolved or was
// not authorized. Never retried, and the handler is never executed.
type DispatchError struct {
	Ref    string
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %s", e.Ref, e.Reason)
}

// ValidationError means a payload or config was malformed. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Retryable reports whether the retry wrapper should re-attempt after
// this error. Dispatch and validation failures are permanent; anything
// else is treated as transient execution failure.
func Retryable(err error) bool {
	var de *DispatchError
	var ve *ValidationError
	if errors.As(err, &de) || errors.As(err, &ve) {
		return false
	}
	return true
}
