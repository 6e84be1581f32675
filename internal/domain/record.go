// Package domain record.go contains the encrypted record and its lifecycle state.
package domain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// State is the lifecycle position of a record.
type State string

// An on_view record is read and purged by one store statement, so it moves
// from ACTIVE straight to DELETED; no intermediate state is observable.
const (
	StateActive  State = "ACTIVE"
	StateExpired State = "EXPIRED"
	StateDeleted State = "DELETED"
)

// Record is an encrypted message or photo together with its deletion policy.
// Ciphertext and KeyCheck never change after creation; only ViewCount moves.
type Record struct {
	ID         RecordID
	Kind       Kind
	Scheme     string // cipher scheme used to produce Ciphertext
	Policy     Policy
	Ciphertext string // empty when loaded as metadata only
	KeyCheck   string // verifier derived from the key; the key itself is never stored
	CreatedAt  time.Time
	Deadline   time.Time // zero unless Policy == PolicyTimed
	ViewCount  int64
	OwnerRef   string
}

// HasDeadline reports whether the record is subject to time-based expiry.
func (r Record) HasDeadline() bool { return r.Policy == PolicyTimed && !r.Deadline.IsZero() }

// Expired reports whether a timed record has reached its deadline at now.
func (r Record) Expired(now time.Time) bool {
	return r.HasDeadline() && !now.Before(r.Deadline)
}

// StateAt returns the state of a stored record as observed at now.
func (r Record) StateAt(now time.Time) State {
	if r.Expired(now) {
		return StateExpired
	}
	return StateActive
}

// KeyMatches reports whether key is the key the record was encrypted with.
func (r Record) KeyMatches(key string) bool {
	want := []byte(r.KeyCheck)
	got := []byte(KeyCheck(r.ID, key))
	return subtle.ConstantTimeCompare(want, got) == 1
}

// KeyCheck derives the stored verifier for key. The record id is mixed in so
// equal keys on different records produce different verifiers.
func KeyCheck(id RecordID, key string) string {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}
