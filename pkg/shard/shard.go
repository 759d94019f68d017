// Package shard implements one independent partition of the engine: its own
// WAL, blobstore, secondary index, HNSW graphs (one per vector namespace),
// and edge adjacency. One struct owns the WAL, the blob stores, an LSN
// tracker, recovery, and vacuum. Concurrency is one sync.RWMutex per shard:
// every mutation holds it exclusively and reads hold it shared; there is no
// multi-version snapshot isolation.
package shard

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshdb/meshdb/pkg/blobstore"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/index"
	"github.com/meshdb/meshdb/pkg/snapshot"
	"github.com/meshdb/meshdb/pkg/wal"
)

// docLoc pins a document or row to its blobstore offset and the
// (namespace, collection|table) it was written under, so a lookup by id
// alone can answer without a second lookup.
type docLoc struct {
	offset     int64
	namespace  string
	collection string
}

// edge is one outgoing mesh edge, stored in the source id's adjacency list.
type edge struct {
	dst    ident.ID
	kind   string
	weight float64
}

// Config fixes a shard's static parameters at Open time.
type Config struct {
	Index int // this shard's index in the router's pool
	Dir   string

	SyncPolicy     wal.SyncPolicy
	EfConstruction int
	EfSearch       int
	M              int
	AutoLinkK      int // 0 disables auto-linking
}

// Shard is one partition's entire durable and in-memory state.
type Shard struct {
	cfg Config
	log zerolog.Logger

	mu sync.RWMutex // exclusive for every mutation; reads of published maps take RLock

	w    *wal.WALWriter
	docs *blobstore.Manager
	rows *blobstore.Manager
	vecs *blobstore.Manager

	docIndex map[ident.ID]docLoc
	rowIndex map[ident.ID]docLoc
	vecLoc   map[string]map[ident.ID]int64 // namespace -> id -> blobstore offset
	graphs   map[string]*hnsw.Graph        // namespace -> HNSW graph
	edges    map[ident.ID][]edge

	secondary *index.Manager
	snap      *snapshot.Manager

	currentLSN      uint64
	lastSnapshotLSN uint64
}

// Open opens or creates a shard rooted at cfg.Dir, replaying its WAL on top
// of the latest snapshot if one exists.
func Open(cfg Config, log zerolog.Logger) (*Shard, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrap(errors.KindIoError, "shard.Open", err)
	}

	docs, err := blobstore.Open(filepath.Join(cfg.Dir, "docs"))
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, "shard.Open", err)
	}
	rows, err := blobstore.Open(filepath.Join(cfg.Dir, "rows"))
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, "shard.Open", err)
	}
	vecs, err := blobstore.Open(filepath.Join(cfg.Dir, "vectors"))
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, "shard.Open", err)
	}

	walPath := filepath.Join(cfg.Dir, "wal.log")
	w, err := wal.NewWALWriter(walPath, wal.Options{
		DirPath:              cfg.Dir,
		BufferSize:           64 * 1024,
		SyncPolicy:           cfg.SyncPolicy,
		SyncIntervalDuration: 0,
		SyncBatchBytes:       1 << 20,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, "shard.Open", err)
	}

	s := &Shard{
		cfg:       cfg,
		log:       log.With().Int("shard", cfg.Index).Logger(),
		w:         w,
		docs:      docs,
		rows:      rows,
		vecs:      vecs,
		docIndex:  make(map[ident.ID]docLoc),
		rowIndex:  make(map[ident.ID]docLoc),
		vecLoc:    make(map[string]map[ident.ID]int64),
		graphs:    make(map[string]*hnsw.Graph),
		edges:     make(map[ident.ID][]edge),
		secondary: index.NewManager(),
		snap:      snapshot.NewManager(cfg.Dir),
	}

	if err := s.recover(walPath); err != nil {
		return nil, err
	}
	return s, nil
}

// Close flushes and closes every file this shard owns.
func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(s.w.Close())
	record(s.docs.Close())
	record(s.rows.Close())
	record(s.vecs.Close())
	return firstErr
}

// appendWAL writes a record and tracks the shard's current LSN. Callers
// hold s.mu for the duration of the mutation this record belongs to.
func (s *Shard) appendWAL(kind uint8, payload []byte) (uint64, error) {
	lsn, err := s.w.Append(kind, payload)
	if err != nil {
		return 0, errors.Wrap(errors.KindIoError, "shard.appendWAL", err)
	}
	s.currentLSN = lsn
	return lsn, nil
}

// graph returns (creating if necessary) the HNSW graph for ns, fixing its
// Config from the first insert's parameters.
func (s *Shard) graph(ns string, dim int, metric hnsw.Metric) (*hnsw.Graph, error) {
	g, ok := s.graphs[ns]
	if !ok {
		g = hnsw.New(hnsw.Config{
			Dim:            dim,
			Metric:         metric,
			M:              s.cfg.M,
			EfConstruction: s.cfg.EfConstruction,
		})
		s.graphs[ns] = g
		return g, nil
	}
	if g.Config().Dim != dim {
		return nil, errors.Newf(errors.KindConflict, "shard.graph", "namespace %q is fixed at dimension %d, got %d", ns, g.Config().Dim, dim)
	}
	if g.Config().Metric != metric {
		return nil, errors.Newf(errors.KindConflict, "shard.graph", "namespace %q is fixed at metric %v, got %v", ns, g.Config().Metric, metric)
	}
	return g, nil
}

// Stats is the per-shard snapshot reported by the shard's stats operation.
type Stats struct {
	DocCount    int
	RowCount    int
	VectorCount int
	EdgeCount   int
	WALLSN      uint64
}

// TombstoneRatios reports each vector namespace's HNSW tombstone ratio,
// consumed by pkg/metrics to drive the recall-proxy gauge.
func (s *Shard) TombstoneRatios() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.graphs))
	for ns, g := range s.graphs {
		out[ns] = g.TombstoneRatio()
	}
	return out
}

func (s *Shard) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vecCount := 0
	for _, g := range s.graphs {
		vecCount += g.Len()
	}
	edgeCount := 0
	for _, list := range s.edges {
		edgeCount += len(list)
	}

	return Stats{
		DocCount:    len(s.docIndex),
		RowCount:    len(s.rowIndex),
		VectorCount: vecCount,
		EdgeCount:   edgeCount,
		WALLSN:      s.currentLSN,
	}
}
