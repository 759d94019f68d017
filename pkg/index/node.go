package index

import (
	"sort"
	"sync"

	"github.com/meshdb/meshdb/pkg/types"
)

// node is a B+Tree node keyed on a scalar value. DataPtrs holds bucket ids
// (indexes into Field.buckets), not heap offsets — every leaf key maps to the
// id-set for that scalar value.
type node struct {
	t        int
	keys     []types.Comparable
	dataPtrs []int64
	children []*node
	leaf     bool
	n        int
	next     *node
	mu       sync.RWMutex
}

func newNode(t int, leaf bool) *node {
	return &node{
		t:        t,
		leaf:     leaf,
		keys:     make([]types.Comparable, 0, 2*t-1),
		dataPtrs: make([]int64, 0, 2*t-1),
		children: make([]*node, 0, 2*t),
	}
}

func (n *node) Lock()    { if n != nil { n.mu.Lock() } }
func (n *node) Unlock()  { if n != nil { n.mu.Unlock() } }
func (n *node) RLock()   { if n != nil { n.mu.RLock() } }
func (n *node) RUnlock() { if n != nil { n.mu.RUnlock() } }

func (n *node) isFull() bool { return n.n == 2*n.t-1 }

func (n *node) findLeafLowerBound(key types.Comparable) (*node, int) {
	i := sort.Search(n.n, func(i int) bool { return n.keys[i].Compare(key) >= 0 })
	if n.leaf {
		return n, i
	}
	return n.children[i].findLeafLowerBound(key)
}

// upsertNonFull runs fn against the leaf's current value for key (0, false
// if absent) and stores the result. Caller guarantees curr is a leaf with
// spare capacity (top-down preventive splitting in tree.go).
func (n *node) upsertNonFull(key types.Comparable, fn func(oldBucket int64, exists bool) (int64, error)) error {
	i := n.n - 1

	if n.leaf {
		idx := sort.Search(n.n, func(j int) bool { return n.keys[j].Compare(key) >= 0 })

		if idx < n.n && n.keys[idx].Compare(key) == 0 {
			newBucket, err := fn(n.dataPtrs[idx], true)
			if err != nil {
				return err
			}
			n.dataPtrs[idx] = newBucket
			return nil
		}

		newBucket, err := fn(0, false)
		if err != nil {
			return err
		}

		n.keys = append(n.keys, nil)
		n.dataPtrs = append(n.dataPtrs, 0)
		copy(n.keys[idx+1:], n.keys[idx:])
		copy(n.dataPtrs[idx+1:], n.dataPtrs[idx:])

		n.keys[idx] = key
		n.dataPtrs[idx] = newBucket
		n.n++
		return nil
	}

	for i >= 0 && key.Compare(n.keys[i]) < 0 {
		i--
	}
	i++

	if n.children[i].n == 2*n.t-1 {
		n.splitChild(i)
		if key.Compare(n.keys[i]) >= 0 {
			i++
		}
	}
	return n.children[i].upsertNonFull(key, fn)
}

func (n *node) splitChild(i int) {
	t := n.t
	y := n.children[i]
	z := newNode(t, y.leaf)

	if y.leaf {
		mid := t - 1
		z.n = y.n - mid
		z.keys = append(z.keys, y.keys[mid:]...)
		z.dataPtrs = append(z.dataPtrs, y.dataPtrs[mid:]...)

		y.keys = y.keys[:mid]
		y.dataPtrs = y.dataPtrs[:mid]
		y.n = mid

		z.next = y.next
		y.next = z
	} else {
		mid := t - 1
		z.n = t - 1
		z.keys = append(z.keys, y.keys[mid+1:]...)
		z.children = append(z.children, y.children[mid+1:]...)

		upKey := y.keys[mid]

		y.keys = y.keys[:mid]
		y.children = y.children[:mid+1]
		y.n = mid

		n.keys = append(n.keys, nil)
		copy(n.keys[i+1:], n.keys[i:])
		n.keys[i] = upKey

		n.children = append(n.children, nil)
		copy(n.children[i+2:], n.children[i+1:])
		n.children[i+1] = z
		n.n++
		return
	}

	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = z.keys[0]

	n.children = append(n.children, nil)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = z
	n.n++
}

func (n *node) remove(key types.Comparable) bool {
	idx := sort.Search(n.n, func(i int) bool { return n.keys[i].Compare(key) >= 0 })

	if n.leaf {
		if idx < n.n && n.keys[idx].Compare(key) == 0 {
			n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
			n.dataPtrs = append(n.dataPtrs[:idx], n.dataPtrs[idx+1:]...)
			n.n--
			return true
		}
		return false
	}

	childIdx := idx
	if idx < n.n && n.keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}

	child := n.children[childIdx]
	if child.n < n.t {
		n.fill(childIdx)
	}

	return n.removeRecursive(key)
}

func (n *node) removeRecursive(key types.Comparable) bool {
	idx := sort.Search(n.n, func(i int) bool { return n.keys[i].Compare(key) >= 0 })

	childIdx := idx
	if idx < n.n && n.keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}
	if childIdx > n.n {
		childIdx = n.n
	}

	ok := n.children[childIdx].remove(key)
	if ok {
		n.fixSeparators()
	}
	return ok
}

func (n *node) fixSeparators() {
	if n.leaf {
		return
	}
	for i := 0; i < n.n; i++ {
		curr := n.children[i+1]
		for !curr.leaf {
			curr = curr.children[0]
		}
		if curr.n > 0 {
			n.keys[i] = curr.keys[0]
		}
	}
}

func (n *node) fill(i int) {
	if i != 0 && n.children[i-1].n >= n.t {
		n.borrowFromPrev(i)
	} else if i != n.n && n.children[i+1].n >= n.t {
		n.borrowFromNext(i)
	} else {
		if i != n.n {
			n.merge(i)
		} else {
			n.merge(i - 1)
		}
	}
}

func (n *node) borrowFromPrev(i int) {
	child := n.children[i]
	sibling := n.children[i-1]

	if child.leaf {
		child.keys = append([]types.Comparable{nil}, child.keys...)
		child.dataPtrs = append([]int64{0}, child.dataPtrs...)
		child.keys[0] = sibling.keys[sibling.n-1]
		child.dataPtrs[0] = sibling.dataPtrs[sibling.n-1]
		child.n++

		sibling.keys = sibling.keys[:sibling.n-1]
		sibling.dataPtrs = sibling.dataPtrs[:sibling.n-1]
		sibling.n--

		n.keys[i-1] = child.keys[0]
	} else {
		child.keys = append([]types.Comparable{nil}, child.keys...)
		child.children = append([]*node{nil}, child.children...)
		child.keys[0] = n.keys[i-1]
		child.children[0] = sibling.children[sibling.n]
		child.n++

		n.keys[i-1] = sibling.keys[sibling.n-1]
		sibling.keys = sibling.keys[:sibling.n-1]
		sibling.children = sibling.children[:sibling.n]
		sibling.n--
	}
}

func (n *node) borrowFromNext(i int) {
	child := n.children[i]
	sibling := n.children[i+1]

	if child.leaf {
		child.keys = append(child.keys, sibling.keys[0])
		child.dataPtrs = append(child.dataPtrs, sibling.dataPtrs[0])
		child.n++

		sibling.keys = append([]types.Comparable{}, sibling.keys[1:]...)
		sibling.dataPtrs = append([]int64{}, sibling.dataPtrs[1:]...)
		sibling.n--

		n.keys[i] = sibling.keys[0]
	} else {
		child.keys = append(child.keys, n.keys[i])
		child.children = append(child.children, sibling.children[0])
		child.n++

		n.keys[i] = sibling.keys[0]
		sibling.keys = append([]types.Comparable{}, sibling.keys[1:]...)
		sibling.children = append([]*node{}, sibling.children[1:]...)
		sibling.n--
	}
}

func (n *node) merge(i int) {
	child := n.children[i]
	sibling := n.children[i+1]

	if child.leaf {
		child.keys = append(child.keys, sibling.keys...)
		child.dataPtrs = append(child.dataPtrs, sibling.dataPtrs...)
		child.next = sibling.next
		child.n = len(child.keys)
	} else {
		child.keys = append(child.keys, n.keys[i])
		child.keys = append(child.keys, sibling.keys...)
		child.children = append(child.children, sibling.children...)
		child.n = len(child.keys)
	}

	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i+1], n.children[i+2:]...)
	n.n--
}
