package shard

import (
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/wal"
)

// Edge is the public view of one mesh edge: directed, weighted, typed by
// kind.
type Edge struct {
	Dst    ident.ID
	Kind   string
	Weight float64
}

// AddEdge inserts a directed edge. Re-adding the same (src, dst, kind)
// triple updates its weight in place rather than appending a duplicate:
// the adjacency list is a multiset by (src, dst, kind), but re-adding the
// identical triple is idempotent.
func (s *Shard) AddEdge(src, dst ident.ID, weight float64, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEdgeLocked(src, dst, weight, kind)
}

func (s *Shard) addEdgeLocked(src, dst ident.ID, weight float64, kind string) error {
	payload, err := wal.EncodeEdgeAddPayload(wal.EdgeAddPayload{Src: src, Dst: dst, Weight: weight, Kind: kind})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.AddEdge", err)
	}
	if _, err := s.appendWAL(wal.EntryEdgeAdd, payload); err != nil {
		return err
	}
	s.upsertEdge(src, dst, weight, kind)
	return nil
}

// upsertEdge applies an edge mutation to in-memory adjacency only, used both
// by addEdgeLocked and by WAL replay during recovery.
func (s *Shard) upsertEdge(src, dst ident.ID, weight float64, kind string) {
	list := s.edges[src]
	for i := range list {
		if list[i].dst == dst && list[i].kind == kind {
			list[i].weight = weight
			return
		}
	}
	s.edges[src] = append(list, edge{dst: dst, kind: kind, weight: weight})
}

// removeOutgoingEdges drops every outgoing edge of the given kind from src,
// used when a vector is deleted so its auto-linked "knn" edges don't
// dangle: auto-linked edges follow the vector's lifecycle.
func (s *Shard) removeOutgoingEdges(src ident.ID, kind string) {
	list := s.edges[src]
	if len(list) == 0 {
		return
	}
	kept := list[:0]
	for _, e := range list {
		if e.kind != kind {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.edges, src)
		return
	}
	s.edges[src] = kept
}

// Neighbors returns id's outgoing edges.
func (s *Shard) Neighbors(id ident.ID) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.edges[id]
	out := make([]Edge, len(list))
	for i, e := range list {
		out[i] = Edge{Dst: e.dst, Kind: e.kind, Weight: e.weight}
	}
	return out
}

// autoLink adds or reweights id's "knn" edges to its current nearest
// neighbors in graph g: every vector put triggers a self-search for its K
// nearest neighbors, which become weighted "knn" edges. Existing "knn"
// edges to other destinations are left in place. Called with s.mu already
// held for writing. AutoLinkK == 0 disables this entirely.
func (s *Shard) autoLink(ns string, id ident.ID, g *hnsw.Graph) {
	if s.cfg.AutoLinkK <= 0 {
		return
	}
	vec, ok := g.Vector(id)
	if !ok {
		return
	}

	ef := s.cfg.EfSearch
	if ef < s.cfg.AutoLinkK+1 {
		ef = s.cfg.AutoLinkK + 1
	}
	results, err := g.Search(vec, s.cfg.AutoLinkK+1, ef, nil)
	if err != nil {
		return
	}

	linked := 0
	for _, r := range results {
		if r.ID == id {
			continue
		}
		if linked >= s.cfg.AutoLinkK {
			break
		}
		weight := g.Similarity(r.Distance)
		_ = s.addEdgeLocked(id, r.ID, float64(weight), "knn")
		linked++
	}
}
