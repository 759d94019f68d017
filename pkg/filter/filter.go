// Package filter holds the predicate types evaluated during secondary-index
// lookups and HNSW filtered search: equality for the secondary index, and
// equality-over-metadata plus an id-set membership test for vector search.
package filter

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/meshdb/meshdb/pkg/types"
	"github.com/meshdb/meshdb/pkg/value"
)

// Equality is a single (path = value) predicate over a document/row field,
// the only operator the secondary equality index supports.
type Equality struct {
	Path  string
	Value types.Comparable
}

// Equal builds an Equality predicate.
func Equal(path string, v types.Comparable) Equality {
	return Equality{Path: path, Value: v}
}

// Matches reports whether key satisfies the predicate.
func (e Equality) Matches(key types.Comparable) bool {
	return key.Compare(e.Value) == 0
}

// Vector is the filter evaluated during HNSW search. A nil Vector, or one
// with both fields empty, matches everything.
type Vector struct {
	// InternalIDs restricts results to this set of HNSW internal indexes,
	// when non-nil. The shard translates a client-supplied id list to
	// internal indexes via the fwdmap before constructing this filter,
	// since roaring.Bitmap keys are 32-bit and ids are 128-bit — collapsing
	// ids directly to 32 bits would risk false-positive collisions and
	// violate filter correctness (every returned id must satisfy the
	// filter).
	InternalIDs *roaring.Bitmap
	// Meta requires every key to equal the given value in the candidate's
	// metadata map.
	Meta map[string]interface{}
}

// Allows reports whether the candidate (internalIdx, meta) passes the
// filter.
func (f *Vector) Allows(internalIdx uint32, meta value.MetaMap) bool {
	if f == nil {
		return true
	}
	if f.InternalIDs != nil && !f.InternalIDs.Contains(internalIdx) {
		return false
	}
	if len(f.Meta) > 0 && !value.MatchesAll(meta, f.Meta) {
		return false
	}
	return true
}

// Selective reports whether the filter is selective enough that the search
// should switch to post-filtering an oversampled top-k rather than in-beam
// filtering: below roughly 1% estimated pass rate, in-beam filtering wastes
// most of its beam width on candidates that get rejected anyway.
// estimatedPassRate is supplied by the caller; the shard derives it from an
// id-set's cardinality versus its live vector count and passes 0 for
// metadata-only filters, which therefore never count as selective.
func (f *Vector) Selective(estimatedPassRate float64) bool {
	if f == nil {
		return false
	}
	return estimatedPassRate > 0 && estimatedPassRate < 0.01
}
