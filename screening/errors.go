package screening

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a malformed transaction. It is raised before any
// stage or span is opened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s %s", e.Field, e.Reason)
}

// StageTimeoutError reports a stage that did not finish within its deadline.
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// Timed reports true; tracing uses it to classify span status.
func (e *StageTimeoutError) Timed() bool { return true }

// DependencyError wraps a failure returned by an external collaborator.
// Retryable failures are eligible for the bounded branch retry policy.
type DependencyError struct {
	Dependency string
	Retryable  bool
	Err        error
}

func (e *DependencyError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s dependency %s failure: %v", kind, e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable failure of dependency.
func Retryable(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Retryable: true, Err: err}
}

// Terminal wraps err as a non-retryable failure of dependency.
func Terminal(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Retryable: false, Err: err}
}

// IsRetryable reports whether err carries a retryable DependencyError.
func IsRetryable(err error) bool {
	var de *DependencyError
	return errors.As(err, &de) && de.Retryable
}

// ConsistencyError signals that an invariant of the data model would be
// violated. It always aborts the run.
type ConsistencyError struct {
	Invariant string
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation (%s): %s", e.Invariant, e.Detail)
}
