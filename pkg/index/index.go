// Package index implements the secondary equality index: (namespace,
// collection|table, field_path, scalar) -> set of ids, with live
// distinct-value-count / mean-bucket-size statistics feeding the planner's
// index choice. One latch-crabbing B+Tree is kept per (namespace,
// collection, field_path) tuple, each tree's leaves pointing at an id-set
// bucket instead of a single heap offset.
package index

import (
	"sync"

	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/types"
)

const treeMinDegree = 32

// idset is the mutable set of ids sharing one scalar value at one field
// path.
type idset struct {
	mu  sync.RWMutex
	ids map[ident.ID]struct{}
}

func newIDSet() *idset {
	return &idset{ids: make(map[ident.ID]struct{})}
}

func (s *idset) add(id ident.ID) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *idset) remove(id ident.ID) int {
	s.mu.Lock()
	delete(s.ids, id)
	n := len(s.ids)
	s.mu.Unlock()
	return n
}

func (s *idset) list() []ident.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ident.ID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}

func (s *idset) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Field is the index for a single (namespace, collection|table, field_path)
// tuple: a B+Tree from scalar value to an id-set bucket, plus running
// cardinality counters. Callers serialize Put/Remove via the shard's write
// lock and may call Stats/Lookup without any lock of their own.
type Field struct {
	t       *tree
	mu      sync.Mutex
	buckets []*idset
	nextKey int64

	totalIDs int64 // sum of bucket sizes, maintained incrementally
}

func newField() *Field {
	return &Field{t: newTree(treeMinDegree)}
}

// Put records that id now has value at this field's path.
func (f *Field) Put(value types.Comparable, id ident.ID) {
	var bucket *idset
	_ = f.t.upsert(value, func(oldBucket int64, exists bool) (int64, error) {
		if exists {
			bucket = f.bucketAt(oldBucket)
			return oldBucket, nil
		}
		f.mu.Lock()
		idx := int64(len(f.buckets))
		bucket = newIDSet()
		f.buckets = append(f.buckets, bucket)
		f.mu.Unlock()
		return idx, nil
	})
	before := bucket.size()
	bucket.add(id)
	after := bucket.size()
	if after > before {
		f.mu.Lock()
		f.totalIDs++
		f.mu.Unlock()
	}
}

func (f *Field) bucketAt(idx int64) *idset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[idx]
}

// Remove drops id from the bucket for value. The key is dropped from the
// tree once its bucket becomes empty, keeping the distinct-value count
// accurate: Remove is how docs/rows keep the index free of buckets
// referencing a deleted id.
func (f *Field) Remove(value types.Comparable, id ident.ID) {
	bucketIdx, ok := f.t.get(value)
	if !ok {
		return
	}
	bucket := f.bucketAt(bucketIdx)
	before := bucket.size()
	remaining := bucket.remove(id)
	if remaining < before {
		f.mu.Lock()
		f.totalIDs--
		f.mu.Unlock()
	}
	if remaining == 0 {
		f.t.remove(value)
	}
}

// Lookup returns every id whose value at this field's path equals value.
func (f *Field) Lookup(value types.Comparable) []ident.ID {
	bucketIdx, ok := f.t.get(value)
	if !ok {
		return nil
	}
	return f.bucketAt(bucketIdx).list()
}

// Stats returns the live distinct-value count and the mean bucket size
// (total ids / distinct values), the two inputs the planner uses to pick
// the driving access path among conjuncts.
func (f *Field) Stats() (distinct int64, meanBucketSize float64) {
	f.mu.Lock()
	total := f.totalIDs
	f.mu.Unlock()

	var n int64
	f.t.scan(nil, func(_ types.Comparable, _ int64) bool {
		n++
		return true
	})
	if n == 0 {
		return 0, 0
	}
	return n, float64(total) / float64(n)
}

// Manager owns one Field per (namespace, collection|table, field_path)
// tuple seen so far, creating them lazily on first write.
type Manager struct {
	mu     sync.RWMutex
	fields map[string]*Field
}

func NewManager() *Manager {
	return &Manager{fields: make(map[string]*Field)}
}

func key(ns, coll, path string) string {
	return ns + "\x00" + coll + "\x00" + path
}

func (m *Manager) field(ns, coll, path string) *Field {
	k := key(ns, coll, path)

	m.mu.RLock()
	f, ok := m.fields[k]
	m.mu.RUnlock()
	if ok {
		return f
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.fields[k]; ok {
		return f
	}
	f = newField()
	m.fields[k] = f
	return f
}

// existingField returns the Field for (ns, coll, path) if it has ever been
// written to, without creating one — used by Remove so a delete of a value
// that was never indexed is a no-op rather than spawning an empty Field.
func (m *Manager) existingField(ns, coll, path string) (*Field, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fields[key(ns, coll, path)]
	return f, ok
}

// Put indexes id at (ns, coll, path) = value.
func (m *Manager) Put(ns, coll, path string, value types.Comparable, id ident.ID) {
	m.field(ns, coll, path).Put(value, id)
}

// Remove un-indexes id at (ns, coll, path) = value.
func (m *Manager) Remove(ns, coll, path string, value types.Comparable, id ident.ID) {
	if f, ok := m.existingField(ns, coll, path); ok {
		f.Remove(value, id)
	}
}

// Lookup returns the ids whose (ns, coll, path) equals value.
func (m *Manager) Lookup(ns, coll, path string, value types.Comparable) []ident.ID {
	f, ok := m.existingField(ns, coll, path)
	if !ok {
		return nil
	}
	return f.Lookup(value)
}

// Stats returns the (distinct, meanBucketSize) pair for (ns, coll, path).
func (m *Manager) Stats(ns, coll, path string) (distinct int64, meanBucketSize float64) {
	f, ok := m.existingField(ns, coll, path)
	if !ok {
		return 0, 0
	}
	return f.Stats()
}
