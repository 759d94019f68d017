package index

import (
	"sync"

	"github.com/meshdb/meshdb/pkg/types"
)

// tree is a concurrent B+Tree mapping a scalar key to a bucket id,
// latch-crabbing its way down on every insert/search: top-down preventive
// splitting lets a writer release the parent as soon as it has locked a
// non-full child, so at most a parent and one child are held exclusively.
type tree struct {
	t    int
	root *node
	mu   sync.RWMutex
}

func newTree(t int) *tree {
	return &tree{t: t, root: newNode(t, true)}
}

// upsert runs fn against the current bucket id for key (0, false if the key
// is new) and stores whatever fn returns.
func (b *tree) upsert(key types.Comparable, fn func(oldBucket int64, exists bool) (int64, error)) error {
	b.mu.Lock()
	root := b.root
	root.Lock()

	if root.isFull() {
		newRoot := newNode(b.t, false)
		newRoot.children = append(newRoot.children, root)
		newRoot.splitChild(0)
		b.root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()
		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

func (b *tree) upsertTopDown(curr *node, key types.Comparable, fn func(oldBucket int64, exists bool) (int64, error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.leaf {
		i := 0
		for i < curr.n && key.Compare(curr.keys[i]) >= 0 {
			i++
		}

		child := curr.children[i]
		child.Lock()

		if child.isFull() {
			curr.splitChild(i)
			if key.Compare(curr.keys[i]) >= 0 {
				child.Unlock()
				child = curr.children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	return curr.upsertNonFull(key, fn)
}

// get returns the bucket id for key, if present.
func (b *tree) get(key types.Comparable) (int64, bool) {
	b.mu.RLock()
	curr := b.root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.leaf {
		i := 0
		for i < curr.n && key.Compare(curr.keys[i]) >= 0 {
			i++
		}
		child := curr.children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.n; j++ {
		if key.Compare(curr.keys[j]) == 0 {
			return curr.dataPtrs[j], true
		}
	}
	return 0, false
}

// remove deletes key from the tree, rebalancing as it descends.
func (b *tree) remove(key types.Comparable) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.root.remove(key)
}

// scan invokes fn for every (key, bucket) pair in ascending key order,
// starting at the first key >= from (from == nil means start at the
// beginning). Stops early if fn returns false. Backs the distinct-value
// count computed by Field.Stats.
func (b *tree) scan(from types.Comparable, fn func(key types.Comparable, bucket int64) bool) {
	b.mu.RLock()
	curr := b.root
	curr.RLock()
	b.mu.RUnlock()

	var idx int
	for !curr.leaf {
		if from == nil {
			idx = 0
		} else {
			idx = lowerBound(curr, from)
		}
		child := curr.children[idx]
		child.RLock()
		curr.RUnlock()
		curr = child
	}
	if from == nil {
		idx = 0
	} else {
		idx = lowerBound(curr, from)
	}

	for curr != nil {
		for ; idx < curr.n; idx++ {
			if !fn(curr.keys[idx], curr.dataPtrs[idx]) {
				curr.RUnlock()
				return
			}
		}
		next := curr.next
		if next != nil {
			next.RLock()
		}
		curr.RUnlock()
		curr = next
		idx = 0
	}
}

func lowerBound(n *node, key types.Comparable) int {
	lo, hi := 0, n.n
	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid].Compare(key) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
