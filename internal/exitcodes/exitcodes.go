// Package exitcodes defines standard exit codes for CLI operations so
// that Airflow, Kubernetes, and other schedulers can distinguish
// retryable from terminal failures.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/relstage/relstage/internal/pour"
	"github.com/relstage/relstage/internal/staging"
	"github.com/relstage/relstage/internal/store"
)

const (
	// Success - migration completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// StoreError - relational store connection or pool errors (recoverable)
	StoreError = 2

	// ExtractError - staging extraction failed (non-recoverable)
	ExtractError = 3

	// PourError - batch pour failed mid-table (recoverable; staging survives)
	PourError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - run-history database errors (non-recoverable)
	StateError = 6

	// LockError - another worker holds the job lock (recoverable)
	LockError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error. Typed
// errors from the engine are classified directly; anything else falls
// back to message inspection.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, store.ErrJobLocked) {
		return LockError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var creationErr *staging.CreationError
	var remapErr *staging.RemapError
	if errors.As(err, &creationErr) || errors.As(err, &remapErr) {
		return ExtractError
	}
	var batchErr *pour.BatchError
	if errors.As(err, &batchErr) {
		return PourError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return ConfigError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid config",
		"is required",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
		"authentication",
	}) {
		return StoreError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"run history",
		"migrating schema",
	}) {
		return StateError
	}

	// Unknown errors most likely surfaced from store statements.
	return StoreError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case StoreError, PourError, Cancelled, LockError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case StoreError:
		return "store error (recoverable)"
	case ExtractError:
		return "extraction error"
	case PourError:
		return "pour error (recoverable)"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case LockError:
		return "job lock held (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
