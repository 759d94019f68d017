// Package hnsw implements the hierarchical navigable small-world ANN index:
// a multi-layer proximity graph, forward/reverse id maps, tombstone-aware
// filtered search, and rebuild/vacuum. One RWMutex guards structural swaps;
// each search takes its own snapshot of the entrypoint so readers never
// block writers for the duration of a beam search. Deletes mark ids in a
// roaring bitmap rather than removing graph nodes in place.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/filter"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/value"
)

// Metric selects the distance function. Mixing metrics between
// construction and search is a hard error.
type Metric int

const (
	Cosine Metric = iota
	L2
)

// Config fixes a namespace's graph parameters at first insert; every
// subsequent insert and search must agree with them.
type Config struct {
	Dim            int
	Metric         Metric
	M              int // max bidirectional links per node per layer (2M at layer 0)
	EfConstruction int
}

func (c Config) efConstructionOrDefault() int {
	if c.EfConstruction <= 0 {
		return 200
	}
	return c.EfConstruction
}

type node struct {
	id        ident.ID
	vector    []float32
	level     int
	neighbors [][]uint32 // neighbors[layer] = neighbor internal indexes
	meta      value.MetaMap
}

// Graph is one namespace's HNSW index, owned by a single shard. All
// mutation happens under the shard's exclusive lock; Graph itself only
// guards its own structural swap (entrypoint/topLayer) so a concurrent
// Search can snapshot them without racing a concurrent Insert.
type Graph struct {
	cfg Config

	mu         sync.RWMutex // guards entrypoint/topLayer only
	entrypoint uint32
	topLayer   int
	hasEntry   bool

	nodes      []*node              // internal index -> node; never nil, tombstoned nodes keep their slot
	fwd        map[ident.ID]uint32  // id -> internal index
	tombstones *roaring.Bitmap      // internal indexes that are logically deleted
	liveCount  int
}

// New creates an empty graph for a namespace with the given parameters.
func New(cfg Config) *Graph {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	return &Graph{
		cfg:        cfg,
		fwd:        make(map[ident.ID]uint32),
		tombstones: roaring.New(),
	}
}

// Config returns the graph's fixed construction parameters.
func (g *Graph) Config() Config { return g.cfg }

// Len returns the number of live (non-tombstoned) vectors.
func (g *Graph) Len() int { return g.liveCount }

// TombstoneRatio returns tombstoned/total internal indexes, a cheap proxy
// for how stale a graph has gotten since its last Rebuild: tombstones
// accumulate until a rebuild reclaims them.
func (g *Graph) TombstoneRatio() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := len(g.nodes)
	if total == 0 {
		return 0
	}
	return float64(g.tombstones.GetCardinality()) / float64(total)
}

// mL is the level-generation parameter, 1/ln(M), matching the standard
// HNSW construction (Malkov & Yashunin).
func (g *Graph) mL() float64 {
	m := float64(g.cfg.M)
	if m <= 1 {
		m = 2
	}
	return 1 / math.Log(m)
}

// randomLevel draws a level deterministically seeded from id, so replaying
// the same vector-put WAL record always reassigns the same level.
func (g *Graph) randomLevel(id ident.ID) int {
	seed := int64(xxhash.Sum64(id[:]))
	r := rand.New(rand.NewSource(seed))
	level := int(math.Floor(-math.Log(r.Float64()) * g.mL()))
	if level > 32 {
		level = 32 // guard against a pathological draw blowing up memory
	}
	return level
}

// Insert adds (id, vec) to the graph, returning its internal index. If id
// already has a live entry, the caller is expected to have tombstoned it
// first: on re-insert, the prior entry is tombstoned and a new one added.
func (g *Graph) Insert(id ident.ID, vec []float32, meta value.MetaMap) (uint32, error) {
	if len(vec) != g.cfg.Dim {
		return 0, errors.Newf(errors.KindConflict, "hnsw.Insert", "vector dimension %d does not match namespace dimension %d", len(vec), g.cfg.Dim)
	}

	level := g.randomLevel(id)
	n := &node{
		id:        id,
		vector:    vec,
		level:     level,
		neighbors: make([][]uint32, level+1),
		meta:      meta,
	}
	idx := uint32(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.fwd[id] = idx
	g.liveCount++

	g.mu.RLock()
	hasEntry := g.hasEntry
	entry := g.entrypoint
	top := g.topLayer
	g.mu.RUnlock()

	if !hasEntry {
		g.mu.Lock()
		g.entrypoint = idx
		g.topLayer = level
		g.hasEntry = true
		g.mu.Unlock()
		return idx, nil
	}

	cur := entry
	curDist := g.distance(n.vector, g.nodes[cur].vector)
	for layer := top; layer > level; layer-- {
		cur, curDist = g.greedyDescend(n.vector, cur, curDist, layer)
	}

	for layer := min(level, top); layer >= 0; layer-- {
		ef := g.cfg.efConstructionOrDefault()
		candidates := g.searchLayer(n.vector, []uint32{cur}, ef, layer, nil)
		maxM := g.cfg.M
		if layer == 0 {
			maxM = g.cfg.M * 2
		}
		selected := g.selectNeighbors(n.vector, candidates, maxM)
		n.neighbors[layer] = selected
		for _, nb := range selected {
			g.addLink(nb, idx, layer, maxM)
		}
		if len(candidates) > 0 {
			cur = candidates[0].idx
		}
	}

	if level > top {
		g.mu.Lock()
		g.entrypoint = idx
		g.topLayer = level
		g.mu.Unlock()
	}

	return idx, nil
}

// addLink adds a bidirectional edge from -> to at layer, pruning the
// weakest link if the target would exceed maxM.
func (g *Graph) addLink(from, to uint32, layer, maxM int) {
	n := g.nodes[from]
	if layer >= len(n.neighbors) {
		return
	}
	n.neighbors[layer] = append(n.neighbors[layer], to)
	if len(n.neighbors[layer]) <= maxM {
		return
	}

	cands := make([]candidate, 0, len(n.neighbors[layer]))
	for _, nb := range n.neighbors[layer] {
		cands = append(cands, candidate{idx: nb, dist: g.distance(n.vector, g.nodes[nb].vector)})
	}
	pruned := g.selectNeighbors(n.vector, cands, maxM)
	n.neighbors[layer] = pruned
}

// greedyDescend performs the ef=1 greedy search used above layer L+1.
func (g *Graph) greedyDescend(query []float32, from uint32, fromDist float32, layer int) (uint32, float32) {
	improved := true
	cur, curDist := from, fromDist
	for improved {
		improved = false
		n := g.nodes[cur]
		if layer >= len(n.neighbors) {
			break
		}
		for _, nb := range n.neighbors[layer] {
			if g.tombstones.Contains(nb) {
				continue
			}
			d := g.distance(query, g.nodes[nb].vector)
			if d < curDist {
				cur, curDist = nb, d
				improved = true
			}
		}
	}
	return cur, curDist
}

type candidate struct {
	idx  uint32
	dist float32
}

// candHeap is a min-heap on distance, used for the candidate frontier.
type candHeap []candidate

func (h candHeap) Len() int            { return len(h) }
func (h candHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h candHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// resultHeap is a max-heap on distance (worst result at the top), used to
// bound the result set to ef/k entries.
type resultHeap []candidate

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// searchLayer runs a beam search against a single layer, starting from
// entryPoints, and returns up to ef candidates sorted by ascending
// distance. If f is non-nil, entries failing it still anchor traversal
// (graph connectivity) but never enter the result set — the filter is
// evaluated inside the beam search, not as a post-filter. Tombstoned nodes,
// entry points included, likewise anchor traversal but never enter results.
func (g *Graph) searchLayer(query []float32, entryPoints []uint32, ef int, layer int, f *filter.Vector) []candidate {
	visited := make(map[uint32]struct{}, ef*4)
	var cands candHeap
	var results resultHeap

	for _, ep := range entryPoints {
		d := g.distance(query, g.nodes[ep].vector)
		visited[ep] = struct{}{}
		heap.Push(&cands, candidate{idx: ep, dist: d})
		if !g.tombstones.Contains(ep) && f.Allows(ep, g.nodes[ep].meta) {
			heap.Push(&results, candidate{idx: ep, dist: d})
			if results.Len() > ef {
				heap.Pop(&results)
			}
		}
	}

	for cands.Len() > 0 {
		nearest := cands[0]
		if results.Len() >= ef && nearest.dist > results[0].dist {
			break
		}
		heap.Pop(&cands)

		n := g.nodes[nearest.idx]
		if layer >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			d := g.distance(query, g.nodes[nb].vector)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&cands, candidate{idx: nb, dist: d})
				if !g.tombstones.Contains(nb) && f.Allows(nb, g.nodes[nb].meta) {
					heap.Push(&results, candidate{idx: nb, dist: d})
					if results.Len() > ef {
						heap.Pop(&results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(candidate)
	}
	return out
}

// selectNeighbors implements a "prefer candidates not dominated by closer
// already-selected neighbors" heuristic: walking candidates nearest-first,
// a candidate is kept only if it is closer to the query than to every
// neighbor already selected, which spreads links across distinct
// directions instead of clustering them in one.
func (g *Graph) selectNeighbors(query []float32, candidates []candidate, maxM int) []uint32 {
	selected := make([]uint32, 0, maxM)
	for _, c := range candidates {
		if len(selected) >= maxM {
			break
		}
		dominated := false
		for _, s := range selected {
			if g.distance(g.nodes[c.idx].vector, g.nodes[s].vector) < c.dist {
				dominated = true
				break
			}
		}
		if !dominated {
			selected = append(selected, c.idx)
		}
	}
	// Backfill with whatever is left if the heuristic was too aggressive
	// and we still have room — recall matters more than strict diversity.
	if len(selected) < maxM {
		have := make(map[uint32]struct{}, len(selected))
		for _, s := range selected {
			have[s] = struct{}{}
		}
		for _, c := range candidates {
			if len(selected) >= maxM {
				break
			}
			if _, ok := have[c.idx]; !ok {
				selected = append(selected, c.idx)
			}
		}
	}
	return selected
}

// Result is one hit from Search, in the external identifier space.
type Result struct {
	ID       ident.ID
	Distance float32
	Meta     value.MetaMap
}

// Search runs the HNSW search algorithm: greedy descent to layer 1, beam
// search at layer 0 with width max(k, efSearch), optional filter, returning
// the k closest live results in ascending distance.
func (g *Graph) Search(query []float32, k, efSearch int, f *filter.Vector) ([]Result, error) {
	if len(query) != g.cfg.Dim {
		return nil, errors.Newf(errors.KindInvalidArgument, "hnsw.Search", "query dimension %d does not match namespace dimension %d", len(query), g.cfg.Dim)
	}

	g.mu.RLock()
	hasEntry := g.hasEntry
	entry := g.entrypoint
	top := g.topLayer
	g.mu.RUnlock()

	if !hasEntry || g.liveCount == 0 {
		return nil, nil
	}

	ef := efSearch
	if ef < k {
		ef = k
	}
	if ef <= 0 {
		ef = 1
	}

	cur := entry
	curDist := g.distance(query, g.nodes[cur].vector)
	for layer := top; layer > 0; layer-- {
		cur, curDist = g.greedyDescend(query, cur, curDist, layer)
	}
	_ = curDist

	cands := g.searchLayer(query, []uint32{cur}, ef, 0, f)
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		n := g.nodes[c.idx]
		out = append(out, Result{ID: n.id, Distance: c.dist, Meta: n.meta})
	}
	return out, nil
}

// Delete tombstones id's internal index. The node stays in the graph for
// traversal until Rebuild reclaims it.
func (g *Graph) Delete(id ident.ID) bool {
	idx, ok := g.fwd[id]
	if !ok {
		return false
	}
	if g.tombstones.Contains(idx) {
		return false
	}
	g.tombstones.Add(idx)
	delete(g.fwd, id)
	g.liveCount--
	return true
}

// IDOf returns the internal index currently assigned to id, if live.
func (g *Graph) IDOf(id ident.ID) (uint32, bool) {
	idx, ok := g.fwd[id]
	return idx, ok
}

// SetMeta replaces the stored metadata for id's live node (used by
// merge_vector_meta / delete_vector_meta_keys).
func (g *Graph) SetMeta(id ident.ID, meta value.MetaMap) bool {
	idx, ok := g.fwd[id]
	if !ok {
		return false
	}
	g.nodes[idx].meta = meta
	return true
}

// Meta returns the live metadata for id.
func (g *Graph) Meta(id ident.ID) (value.MetaMap, bool) {
	idx, ok := g.fwd[id]
	if !ok {
		return nil, false
	}
	return g.nodes[idx].meta, true
}

// Vector returns the live vector for id.
func (g *Graph) Vector(id ident.ID) ([]float32, bool) {
	idx, ok := g.fwd[id]
	if !ok {
		return nil, false
	}
	return g.nodes[idx].vector, true
}

// Rebuild re-inserts every live vector into a fresh graph in ascending id
// order, reassigning internal indexes contiguously. The caller swaps the
// shard's graph pointer to the result under the shard's exclusive lock;
// Rebuild itself does no locking since it reads a frozen view of g (the
// shard holds the write lock across the whole call).
func (g *Graph) Rebuild() (*Graph, error) {
	ids := make([]ident.ID, 0, len(g.fwd))
	for id := range g.fwd {
		ids = append(ids, id)
	}
	sortIDs(ids)

	fresh := New(g.cfg)
	for _, id := range ids {
		idx := g.fwd[id]
		n := g.nodes[idx]
		if _, err := fresh.Insert(id, n.vector, n.meta); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

func sortIDs(ids []ident.ID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && lessID(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func lessID(a, b ident.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
