// Package id generates the sortable identifiers used throughout the
// harness: 26-character Crockford base32 ULIDs for dispatches, events,
// agents and roles, and UUIDs for draft session ids.
package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh 26-character, lexicographically sortable,
// millisecond-prefixed id in Crockford base32 (a ULID).
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt is like New but pins the timestamp component, used by tests that
// need deterministic ordering.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsValid reports whether s has the shape of a generated id: 26 characters,
// valid Crockford base32.
func IsValid(s string) bool {
	if len(s) != 26 {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}

// NewUUID returns a random UUID string, used for draft session ids, which
// don't need to sort by creation time.
func NewUUID() string {
	return uuid.NewString()
}

// Short26 returns a 26-character opaque identifier for the role id shape
// described in the spec. It is generated by New, so it is a ULID of the
// same form as a dispatch/event id.
func Short26() string {
	return New()
}
