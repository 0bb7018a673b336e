package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmclSF/monotize/internal/oplog"
)

var (
	// ErrNotFound indicates a plan source path does not exist.
	ErrNotFound = errors.New("source path not found")

	// ErrAmbiguousState indicates more than one staging directory exists for
	// an output path.
	ErrAmbiguousState = errors.New("multiple staging directories found")

	// ErrFingerprintMismatch indicates the plan changed since the staging
	// directory was created.
	ErrFingerprintMismatch = errors.New("plan fingerprint mismatch")

	// ErrNothingToResume indicates resume found no staging directory.
	ErrNothingToResume = errors.New("nothing to resume")

	// ErrCancelled indicates the run stopped at a cancellation checkpoint.
	ErrCancelled = errors.New("operation cancelled")
)

// StepError reports the failure of one step. A failed log entry has been
// recorded for it.
type StepError struct {
	Step oplog.StepID
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// cancelled wraps the context error so it matches both ErrCancelled and
// context.Canceled (or context.DeadlineExceeded).
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}
