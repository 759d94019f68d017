// Package router fans a multi-shard engine out to its shards. ShardOf
// hashes an identifier to a shard index; SearchVectors issues the search to
// every shard concurrently, bounded by a fixed-size worker pool, and merges
// each shard's local top-k into a global top-k with container/heap;
// resharding replays every source shard's data into a freshly sized shard
// set and swaps it in atomically.
package router

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/metrics"
	"github.com/meshdb/meshdb/pkg/shard"
	"github.com/meshdb/meshdb/pkg/value"
)

// ShardOf returns the index of the shard that owns id, out of n total
// shards.
func ShardOf(id ident.ID, n int) int {
	h := xxhash.Sum64(id[:])
	return int(h % uint64(n))
}

// Pool is an immutable set of open shards. Resharding builds a new Pool and
// atomically swaps it into Router rather than mutating shards in place.
type Pool struct {
	shards []*shard.Shard
}

func (p *Pool) Len() int { return len(p.shards) }

func (p *Pool) shardFor(id ident.ID) *shard.Shard {
	return p.shards[ShardOf(id, len(p.shards))]
}

// Router is the engine's single entry point: every ingress operation routes
// through here to the owning shard(s).
type Router struct {
	dir     string
	cfgBase shard.Config
	log     zerolog.Logger

	pool atomic.Pointer[Pool]
}

// Open opens (or creates) n shards under dir/shard-NNNN and returns a Router
// fronting them.
func Open(dir string, n int, cfgBase shard.Config, log zerolog.Logger) (*Router, error) {
	r := &Router{dir: dir, cfgBase: cfgBase, log: log}
	pool, err := openShards(dir, n, cfgBase, log)
	if err != nil {
		return nil, err
	}
	r.pool.Store(pool)
	return r, nil
}

func openShards(dir string, n int, cfgBase shard.Config, log zerolog.Logger) (*Pool, error) {
	shards := make([]*shard.Shard, n)
	for i := 0; i < n; i++ {
		cfg := cfgBase
		cfg.Index = i
		cfg.Dir = filepath.Join(dir, shardDirName(i))
		s, err := shard.Open(cfg, log)
		if err != nil {
			for _, opened := range shards[:i] {
				if opened != nil {
					_ = opened.Close()
				}
			}
			return nil, errors.Wrap(errors.KindIoError, "router.Open", err)
		}
		shards[i] = s
	}
	return &Pool{shards: shards}, nil
}

func shardDirName(i int) string {
	return fmt.Sprintf("shard-%04d", i)
}

// Close closes every shard in the current pool.
func (r *Router) Close() error {
	pool := r.pool.Load()
	var firstErr error
	for _, s := range pool.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ShardCount returns the current number of shards.
func (r *Router) ShardCount() int { return r.pool.Load().Len() }

// PutDoc routes to the owning shard.
func (r *Router) PutDoc(id ident.ID, ns, coll string, doc value.Doc) error {
	pool := r.pool.Load()
	return pool.shardFor(id).PutDoc(id, ns, coll, doc)
}

// PutRow routes to the owning shard.
func (r *Router) PutRow(id ident.ID, ns, tbl string, row value.Doc) error {
	pool := r.pool.Load()
	return pool.shardFor(id).PutRow(id, ns, tbl, row)
}

// GetDoc routes to the owning shard.
func (r *Router) GetDoc(id ident.ID) (value.Doc, string, string, error) {
	pool := r.pool.Load()
	return pool.shardFor(id).GetDoc(id)
}

// GetRow routes to the owning shard.
func (r *Router) GetRow(id ident.ID) (value.Doc, string, string, error) {
	pool := r.pool.Load()
	return pool.shardFor(id).GetRow(id)
}

// DeleteDoc routes to the owning shard.
func (r *Router) DeleteDoc(id ident.ID) error {
	pool := r.pool.Load()
	return pool.shardFor(id).DeleteDoc(id)
}

// DeleteRow routes to the owning shard.
func (r *Router) DeleteRow(id ident.ID) error {
	pool := r.pool.Load()
	return pool.shardFor(id).DeleteRow(id)
}

// PutVector routes to the owning shard.
func (r *Router) PutVector(id ident.ID, ns string, vec []float32, meta value.MetaMap, metric hnsw.Metric) error {
	pool := r.pool.Load()
	return pool.shardFor(id).PutVector(id, ns, vec, meta, metric)
}

// DeleteVector routes to the owning shard.
func (r *Router) DeleteVector(ns string, id ident.ID) error {
	pool := r.pool.Load()
	return pool.shardFor(id).DeleteVector(ns, id)
}

// AddEdge routes by the edge's source id.
func (r *Router) AddEdge(src, dst ident.ID, weight float64, kind string) error {
	pool := r.pool.Load()
	return pool.shardFor(src).AddEdge(src, dst, weight, kind)
}

// Neighbors routes by id.
func (r *Router) Neighbors(id ident.ID) []shard.Edge {
	pool := r.pool.Load()
	return pool.shardFor(id).Neighbors(id)
}

// scoredResult pairs a shard's local hnsw.Result with the shard index it
// came from and its rank in that shard's result list, for the cross-shard
// tie-break rule below.
type scoredResult struct {
	hnsw.Result
	shardIdx int
	rank     int
}

type resultHeap []scoredResult

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance < h[j].Distance
	}
	if h[i].shardIdx != h[j].shardIdx {
		return h[i].shardIdx < h[j].shardIdx
	}
	return h[i].rank < h[j].rank
}
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(scoredResult)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// searchWorkers bounds how many shards are searched concurrently, so
// fan-out parallelism never exceeds the machine's CPU count regardless of
// shard total.
func searchWorkers() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

// SearchVectors issues the search to every shard concurrently over a
// fixed-size worker pool, then merges each shard's local top-k into one
// global top-k with container/heap, breaking distance ties by shard-id
// ascending then by rank within that shard's own result list, so replicated
// runs of an identical query are deterministic. hnsw.Result carries no HNSW
// internal index, so that index is not part of the order.
func (r *Router) SearchVectors(ns string, query []float32, k int, params shard.SearchParams) ([]hnsw.Result, error) {
	pool := r.pool.Load()

	type shardResult struct {
		idx     int
		results []hnsw.Result
		err     error
	}

	jobs := make(chan int, len(pool.shards))
	for i := range pool.shards {
		jobs <- i
	}
	close(jobs)

	out := make(chan shardResult, len(pool.shards))
	workers := searchWorkers()
	if workers > len(pool.shards) {
		workers = len(pool.shards)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results, err := pool.shards[i].SearchVectors(ns, query, k, params)
				out <- shardResult{idx: i, results: results, err: err}
			}
		}()
	}
	wg.Wait()
	close(out)

	var all resultHeap
	for sr := range out {
		if sr.err != nil {
			// Any single shard failure fails the whole search rather than
			// returning a partial, flagged result set. Acceptable while
			// shard counts stay small; revisit if a degraded-but-partial
			// response becomes worth more than a hard failure.
			return nil, sr.err
		}
		for j, res := range sr.results {
			all = append(all, scoredResult{Result: res, shardIdx: sr.idx, rank: j})
		}
	}
	heap.Init(&all)

	top := make([]hnsw.Result, 0, k)
	for all.Len() > 0 && len(top) < k {
		top = append(top, heap.Pop(&all).(scoredResult).Result)
	}
	return top, nil
}

// Vacuum runs vacuum on every shard.
func (r *Router) Vacuum() error {
	pool := r.pool.Load()
	for _, s := range pool.shards {
		if err := s.Vacuum(); err != nil {
			return err
		}
	}
	return nil
}

// Stats aggregates every shard's Stats.
func (r *Router) Stats() []shard.Stats {
	pool := r.pool.Load()
	out := make([]shard.Stats, len(pool.shards))
	for i, s := range pool.shards {
		out[i] = s.Stats()
	}
	return out
}

// PublishMetrics pushes every shard's Stats and HNSW tombstone ratios into
// the Prometheus gauges in pkg/metrics. Intended to be called on a ticker
// by the host process, not on the hot write path.
func (r *Router) PublishMetrics() {
	pool := r.pool.Load()
	for i, s := range pool.shards {
		label := fmt.Sprintf("%d", i)
		st := s.Stats()
		metrics.DocCount.WithLabelValues(label).Set(float64(st.DocCount))
		metrics.RowCount.WithLabelValues(label).Set(float64(st.RowCount))
		metrics.VectorCount.WithLabelValues(label).Set(float64(st.VectorCount))
		metrics.EdgeCount.WithLabelValues(label).Set(float64(st.EdgeCount))
		metrics.WALLSN.WithLabelValues(label).Set(float64(st.WALLSN))
		for ns, ratio := range s.TombstoneRatios() {
			metrics.HNSWTombstoneRatio.WithLabelValues(label, ns).Set(ratio)
		}
	}
}

// Reshard opens a new shard set of size n under a fresh subdirectory,
// replays every current shard's data into it, then atomically swaps the
// pool. The old shard set is closed but left on disk for the caller to
// remove once satisfied.
func (r *Router) Reshard(n int) error {
	oldPool := r.pool.Load()
	for _, s := range oldPool.shards {
		if err := s.SnapshotSave(); err != nil {
			return err
		}
	}

	newDir := filepath.Join(r.dir, "reshard-tmp")
	if err := os.RemoveAll(newDir); err != nil {
		return errors.Wrap(errors.KindIoError, "router.Reshard", err)
	}
	if err := os.MkdirAll(newDir, 0755); err != nil {
		return errors.Wrap(errors.KindIoError, "router.Reshard", err)
	}

	newPool, err := openShards(newDir, n, r.cfgBase, r.log)
	if err != nil {
		return err
	}

	if err := replayInto(oldPool, newPool); err != nil {
		for _, s := range newPool.shards {
			_ = s.Close()
		}
		return err
	}

	for _, s := range newPool.shards {
		if err := s.SnapshotSave(); err != nil {
			return err
		}
	}

	r.pool.Store(newPool)
	for _, s := range oldPool.shards {
		_ = s.Close()
	}
	return nil
}

// replayInto copies every document/row/vector/edge from the old pool's
// shards into the new pool, re-routing each id by the new pool's shard
// count.
func replayInto(oldPool, newPool *Pool) error {
	// Reads each source shard through its own public API rather than
	// reaching into its internals: every live doc/row/vector/edge already
	// has a public accessor, so resharding is just "read everything, put it
	// into the freshly sized pool."
	for _, s := range oldPool.shards {
		if err := s.Walk(func(w shard.WalkItem) error {
			dst := newPool.shardFor(w.ID)
			switch w.Kind {
			case shard.WalkDoc:
				return dst.PutDoc(w.ID, w.Namespace, w.Collection, w.Doc)
			case shard.WalkRow:
				return dst.PutRow(w.ID, w.Namespace, w.Collection, w.Doc)
			case shard.WalkVector:
				return dst.PutVector(w.ID, w.Namespace, w.Vector, w.Meta, w.Metric)
			case shard.WalkEdge:
				return dst.AddEdge(w.ID, w.EdgeDst, w.EdgeWeight, w.EdgeKind)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
