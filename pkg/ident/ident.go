// Package ident defines the 128-bit opaque identifier that is the sole
// routing input for the whole engine, and the fixed non-cryptographic
// mixing function the shard router hashes it through.
package ident

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ID is a 128-bit opaque identifier. Concretely a uuid.UUID (16 bytes).
type ID = uuid.UUID

// New mints a fresh, time-ordered identifier.
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source is broken; there is no
		// sane recovery path for a caller that can't mint ids.
		panic(err)
	}
	return id
}

// Parse decodes a canonical string form into an ID.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// ShardOf computes the target shard index for an identifier given a shard
// count N. The hash is xxhash64 over the raw 16 id bytes: a fixed,
// non-cryptographic mixing function that stays stable across process
// restarts.
func ShardOf(id ID, n int) int {
	if n <= 0 {
		return 0
	}
	h := xxhash.Sum64(id[:])
	return int(h % uint64(n))
}
