// Package domain policy.go contains the deletion policy and record kind enums.
package domain

import "strings"

// Policy governs when an encrypted record becomes permanently inaccessible.
type Policy string

const (
	// PolicyNever keeps the record until its producer deletes it.
	PolicyNever Policy = "never"
	// PolicyOnView removes the record as part of its first successful view.
	PolicyOnView Policy = "on_view"
	// PolicyTimed removes the record once its deadline has passed.
	PolicyTimed Policy = "timed"
)

// ParsePolicy normalizes s and returns the matching Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", ErrInvalidPolicy
	}
	return p, nil
}

// Valid reports whether p is one of the known policies.
func (p Policy) Valid() bool {
	switch p {
	case PolicyNever, PolicyOnView, PolicyTimed:
		return true
	}
	return false
}

func (p Policy) String() string { return string(p) }

// Kind distinguishes encrypted text messages from encrypted photos. Both are
// handled identically by the lifecycle; the kind only drives presentation.
type Kind string

const (
	KindMessage Kind = "message"
	KindPhoto   Kind = "photo"
)

// ParseKind returns the Kind for s. An empty string means KindMessage.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return KindMessage, nil
	}
	if k != KindMessage && k != KindPhoto {
		return "", ErrInvalidKind
	}
	return k, nil
}

func (k Kind) String() string { return string(k) }
