package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("comment not found")
	ErrTransientGateway  = errors.New("gateway temporarily unavailable")
	ErrInconsistentState = errors.New("inconsistent comment state")

	// ErrForbidden is an ownership mismatch. It matches ErrUnauthorized too.
	ErrForbidden = fmt.Errorf("not the author: %w", ErrUnauthorized)
)
