package apperrors

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrEntityTypeNotConfigured = errors.New("entity type not configured")
	ErrEntityTypeBlocked       = errors.New("entity type blocked by configuration errors")
	ErrIntegrityViolation      = errors.New("dimension integrity violation")
	ErrEmptyBusinessKey        = errors.New("empty business key")
)
