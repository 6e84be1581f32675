// Package domain ttl.go contains functions to validate TTL against config values.
package domain

import "time"

// DefaultTTL is the lifetime given to timed records when the producer does
// not ask for a specific one.
const DefaultTTL = time.Hour

// ValidateTTL checks that ttl is positive and within [min, max].
// Returns ErrTTLInvalid on any violation.
func ValidateTTL(ttl, minTTL, maxTTL time.Duration) error {
	if ttl <= 0 {
		return ErrTTLInvalid
	}
	if ttl < minTTL {
		return ErrTTLInvalid
	}
	if ttl > maxTTL {
		return ErrTTLInvalid
	}
	return nil
}
