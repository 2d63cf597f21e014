package trellis

import (
	"errors"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// Error type constants for classification in metrics and traces.
const (
	ErrTypeNotFound      = "not_found"
	ErrTypeAlreadyExists = "already_exists"
	ErrTypeIntegrity     = "integrity"
	ErrTypeInvalidPath   = "invalid_path"
	ErrTypeExhausted     = "exhausted"
	ErrTypeRebuildFailed = "rebuild_failed"
	ErrTypeTransient     = "transient"
	ErrTypeUnknown       = "unknown"
)

// ClassifyError maps an error to its taxonomy class. Transient is
// checked last so a wrapped driver failure carrying a structural
// sentinel keeps the structural class.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ucg.ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, ucg.ErrAlreadyExists):
		return ErrTypeAlreadyExists
	case errors.Is(err, ucg.ErrIntegrityViolation):
		return ErrTypeIntegrity
	case errors.Is(err, ucg.ErrInvalidPath):
		return ErrTypeInvalidPath
	case errors.Is(err, cache.ErrResourceExhausted):
		return ErrTypeExhausted
	case errors.Is(err, cache.ErrRebuildFailed):
		return ErrTypeRebuildFailed
	case errors.Is(err, ucg.ErrTransient):
		return ErrTypeTransient
	default:
		return ErrTypeUnknown
	}
}

// IsRetryable reports whether the calling layer should retry the
// operation. Only transient backing-store failures qualify; structural
// errors must surface verbatim.
func IsRetryable(err error) bool {
	return errors.Is(err, ucg.ErrTransient)
}
