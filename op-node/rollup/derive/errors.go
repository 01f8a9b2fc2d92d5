package derive

import "errors"

// These sentinels classify every error a pipeline Step (or the driver loop around it)
// can produce, mirroring op-e2e/derivation/l2_verifier.go's actL2PipelineStep handling.
var (
	// ErrReset requests that the pipeline be reset to the last known-safe L2 head,
	// typically because an L1 reorg invalidated buffered state.
	ErrReset = errors.New("pipeline needs reset")

	// ErrTemporary indicates a transient failure (e.g. an RPC call to L1) that should be
	// retried without discarding any pipeline state.
	ErrTemporary = errors.New("temporary error")

	// ErrCritical indicates an unrecoverable derivation fault that requires operator
	// intervention.
	ErrCritical = errors.New("critical error")

	// ErrNotEnoughData indicates a stage could not produce an item yet because it is
	// waiting on more upstream input; the driver should retry the Step after the next L1
	// or engine advance.
	ErrNotEnoughData = errors.New("not enough data")
)

// NewResetError wraps an error as an ErrReset-classified error, preserving the cause.
func NewResetError(inner error) error {
	return &wrappedError{msg: "reset", inner: inner, sentinel: ErrReset}
}

// NewTemporaryError wraps an error as an ErrTemporary-classified error.
func NewTemporaryError(inner error) error {
	return &wrappedError{msg: "temporary", inner: inner, sentinel: ErrTemporary}
}

// NewCriticalError wraps an error as an ErrCritical-classified error.
func NewCriticalError(inner error) error {
	return &wrappedError{msg: "critical", inner: inner, sentinel: ErrCritical}
}

type wrappedError struct {
	msg      string
	inner    error
	sentinel error
}

func (w *wrappedError) Error() string {
	return w.msg + ": " + w.inner.Error()
}

func (w *wrappedError) Unwrap() error {
	return w.inner
}

func (w *wrappedError) Is(target error) bool {
	return target == w.sentinel
}
