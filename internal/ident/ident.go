// Package ident generates the ULID identifiers used across Archipelago:
// isle addresses, call correlation ids, and the router instance id that is
// attached to every structured log line. ULIDs are time-sortable and
// globally unique, so identifiers from overlapping router instances (tests
// run many) never collide and always order by creation time.
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/archipelago/internal/types"
)

// monoEntropy is a package-level monotone entropy source shared across all
// generate calls. A single shared source keeps ULIDs lexicographically
// ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// generate creates a new time-ordered ULID using the shared monotone entropy
// source. The mutex ensures monotonicity across concurrent calls.
func generate() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewAddress issues a fresh isle address. Addresses are never reused; the
// router's registry keeps a tombstone after unregistration.
func NewAddress() (types.Address, error) {
	s, err := generate()
	if err != nil {
		return "", fmt.Errorf("ident: generate address: %w", err)
	}
	return types.Address(s), nil
}

// NewCorrID issues a correlation id for one Call round trip.
func NewCorrID() (string, error) {
	s, err := generate()
	if err != nil {
		return "", fmt.Errorf("ident: generate correlation id: %w", err)
	}
	return s, nil
}

// NewRouterID issues the per-instance id a router stamps on its log lines.
func NewRouterID() (string, error) {
	s, err := generate()
	if err != nil {
		return "", fmt.Errorf("ident: generate router id: %w", err)
	}
	return s, nil
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}
