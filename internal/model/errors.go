package model

import "errors"

// Sentinel errors shared across the pipeline. Callers wrap them with
// context and match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrNotReady        = errors.New("not ready")
	ErrAlreadyTerminal = errors.New("run already terminal")
	ErrValidation      = errors.New("validation failed")
	ErrTimeout         = errors.New("stage timed out")
	ErrUpstream        = errors.New("upstream service failed")
	ErrConnectivity    = errors.New("source unreachable")
	ErrCancelled       = errors.New("run cancelled")
)

// ErrorKindOf maps an error returned by stage work to the kind recorded on a failed run.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrConnectivity):
		return ErrorKindUpstream
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	default:
		return ErrorKindInternal
	}
}
