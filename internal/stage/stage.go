package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Name identifies one pipeline stage.
type Name string

const (
	Audio     Name = "audio"
	Image     Name = "image"
	Animation Name = "animation"
)

// Ref is a reference to a generated artifact on durable storage. The
// orchestrator never inspects artifact contents, it only passes references
// between stages.
type Ref string

// String returns the underlying path.
func (r Ref) String() string { return string(r) }

// Valid reports whether the reference points at a non-empty path.
func (r Ref) Valid() bool { return r != "" }

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "INVALID_INPUT" // Caller error, not retried
	KindModelFailure ErrorKind = "MODEL_FAILURE" // Generator returned no usable artifact
	KindTimeout      ErrorKind = "TIMEOUT"       // Stage exceeded its allotted duration
)

// GenerationError is the uniform failure contract every stage adapter
// translates its underlying failure signals into. No kind leaks an
// implementation detail of the underlying model.
type GenerationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error formats the failure for logs and API responses.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *GenerationError) Unwrap() error { return e.Err }

// InvalidInput builds a caller-error failure.
func InvalidInput(format string, args ...interface{}) *GenerationError {
	return &GenerationError{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// ModelFailure builds a generator failure.
func ModelFailure(err error, format string, args ...interface{}) *GenerationError {
	return &GenerationError{Kind: KindModelFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// Timeout builds a deadline failure.
func Timeout(err error, format string, args ...interface{}) *GenerationError {
	return &GenerationError{Kind: KindTimeout, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsGenerationError extracts a GenerationError from an error chain.
func AsGenerationError(err error) (*GenerationError, bool) {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr, true
	}
	return nil, false
}

// Classify normalizes an arbitrary adapter error into a GenerationError.
// Context deadlines map to TIMEOUT, cancellation and everything else to
// MODEL_FAILURE. Errors that are already classified pass through unchanged.
func Classify(err error, stage Name) *GenerationError {
	if genErr, ok := AsGenerationError(err); ok {
		return genErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err, "%s stage exceeded its allotted duration", stage)
	}
	if errors.Is(err, context.Canceled) {
		return ModelFailure(err, "%s stage cancelled", stage)
	}
	return ModelFailure(err, "%s stage failed: %v", stage, err)
}

// VerifyArtifact checks that a successful stage call actually produced a
// non-empty file at the reference it returned.
func VerifyArtifact(ref Ref, stage Name) *GenerationError {
	if !ref.Valid() {
		return ModelFailure(nil, "%s stage returned an empty artifact reference", stage)
	}
	info, err := os.Stat(ref.String())
	if err != nil {
		return ModelFailure(err, "%s artifact missing at %s", stage, ref)
	}
	if info.Size() == 0 {
		return ModelFailure(nil, "%s artifact at %s is empty", stage, ref)
	}
	return nil
}
