package services

import "errors"

// Error kinds returned by services. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)
