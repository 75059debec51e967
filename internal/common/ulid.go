package common

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexicographically sortable 26-char identifier. Used for
// conversations, messages and stream ids.
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID panics on entropy failure; acceptable for ids generated off the
// request path (tests, seed data).
func MustULID() string {
	id, err := NewULID()
	if err != nil {
		panic(err)
	}
	return id
}
