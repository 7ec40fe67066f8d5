package model

import "errors"

var (
	ErrNotFound           = errors.New("terminal not found")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrSpawnTimeout       = errors.New("spawn timed out")
	ErrSpawnCanceled      = errors.New("spawn canceled")
	ErrSessionLost        = errors.New("session lost")
	ErrReattachFailed     = errors.New("reattach failed")
	ErrPartialBulkFailure = errors.New("partial bulk failure")
	ErrOutsideNamespace   = errors.New("session outside managed namespace")
	ErrNotMergeable       = errors.New("terminal cannot be merged")
	ErrInvalidIntent      = errors.New("invalid intent")
	ErrEngineStopped      = errors.New("engine stopped")
	ErrHostUnavailable    = errors.New("multiplexer host unavailable")
)

// Error codes defined by the client contract.
const (
	CodeSpawnFailed        = "E_SPAWN_FAILED"
	CodeSessionLost        = "E_SESSION_LOST"
	CodeReattachFailed     = "E_REATTACH_FAILED"
	CodePartialBulkFailure = "E_PARTIAL_BULK_FAILURE"
	CodeNotFound           = "E_NOT_FOUND"
	CodeOutsideNamespace   = "E_OUTSIDE_NAMESPACE"
	CodeNotMergeable       = "E_NOT_MERGEABLE"
	CodeInvalidIntent      = "E_INVALID_INTENT"
	CodeUnavailable        = "E_UNAVAILABLE"
	CodeInternal           = "E_INTERNAL"
)

// Code maps an error to its contract code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSpawnFailed), errors.Is(err, ErrSpawnTimeout), errors.Is(err, ErrSpawnCanceled):
		return CodeSpawnFailed
	case errors.Is(err, ErrSessionLost):
		return CodeSessionLost
	case errors.Is(err, ErrReattachFailed):
		return CodeReattachFailed
	case errors.Is(err, ErrPartialBulkFailure):
		return CodePartialBulkFailure
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrOutsideNamespace):
		return CodeOutsideNamespace
	case errors.Is(err, ErrNotMergeable):
		return CodeNotMergeable
	case errors.Is(err, ErrInvalidIntent):
		return CodeInvalidIntent
	case errors.Is(err, ErrEngineStopped), errors.Is(err, ErrHostUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
