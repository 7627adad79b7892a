package continual

import (
	"errors"
	"fmt"
)

// Domain errors.
var (
	// ErrMalformedBenchmark indicates a benchmark file that cannot be used.
	ErrMalformedBenchmark = errors.New("malformed benchmark")

	// ErrCheckpointNotFound indicates that no checkpoint exists under a name.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt indicates a checkpoint that exists but cannot be decoded.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrNonFiniteLoss indicates a NaN or infinite task loss.
	ErrNonFiniteLoss = errors.New("non-finite loss")

	// ErrScaleCollapsed indicates that dynamic loss scaling could not recover
	// from repeated gradient overflow.
	ErrScaleCollapsed = errors.New("loss scale collapsed")

	// ErrUnusedParameter indicates a parameter without gradient while the
	// gradient synchronizer does not tolerate unused parameters.
	ErrUnusedParameter = errors.New("parameter received no gradient")

	// ErrCollectiveMismatch indicates ranks calling a collective with
	// incompatible arguments.
	ErrCollectiveMismatch = errors.New("collective mismatch")

	// ErrNothingToEvaluate indicates an evaluation without a checkpoint of
	// at least one finished task.
	ErrNothingToEvaluate = errors.New("nothing to evaluate")

	// ErrUnknownMethod indicates an unsupported regularization method name.
	ErrUnknownMethod = errors.New("unknown regularization method")
)

// StateDictError reports a parameter that could not be restored.
type StateDictError struct {
	Param  string
	Reason string
}

func (e *StateDictError) Error() string {
	return fmt.Sprintf("state dict: parameter %s: %s", e.Param, e.Reason)
}
