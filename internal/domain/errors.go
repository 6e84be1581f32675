// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidID     = errors.New("invalid record id")
	ErrTTLInvalid    = errors.New("ttl invalid")
	ErrInvalidPolicy = errors.New("invalid deletion policy")
	ErrInvalidKind   = errors.New("invalid record kind")
)
