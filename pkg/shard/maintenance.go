package shard

import (
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/snapshot"
)

// RebuildVectors compacts namespace ns's HNSW graph, discarding tombstoned
// vectors and reassigning contiguous internal indexes.
func (s *Shard) RebuildVectors(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.graphs[ns]
	if !ok {
		return errors.NotFoundf("shard.RebuildVectors", "namespace %q has no vectors", ns)
	}
	fresh, err := g.Rebuild()
	if err != nil {
		return err
	}
	s.graphs[ns] = fresh
	return nil
}

// Vacuum rebuilds every vector namespace's HNSW graph, then snapshots and
// truncates the WAL up to the new snapshot's LSN.
func (s *Shard) Vacuum() error {
	s.mu.Lock()
	for ns, g := range s.graphs {
		fresh, err := g.Rebuild()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.graphs[ns] = fresh
	}
	s.mu.Unlock()

	return s.SnapshotSave()
}

// SnapshotSave persists the shard's entire current state and truncates the
// WAL prefix older than the new snapshot's LSN.
func (s *Shard) SnapshotSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := snapshot.New()
	state.LSN = s.currentLSN

	for id, loc := range s.docIndex {
		state.DocOffsets[id] = snapshot.Location{Offset: loc.offset, Namespace: loc.namespace, Collection: loc.collection}
	}
	for id, loc := range s.rowIndex {
		state.RowOffsets[id] = snapshot.Location{Offset: loc.offset, Namespace: loc.namespace, Collection: loc.collection}
	}
	for ns, byID := range s.vecLoc {
		cp := make(map[ident.ID]int64, len(byID))
		for id, off := range byID {
			cp[id] = off
		}
		state.VectorOffsets[ns] = cp
	}
	for src, list := range s.edges {
		recs := make([]snapshot.EdgeRecord, len(list))
		for i, e := range list {
			recs[i] = snapshot.EdgeRecord{Dst: e.dst, Kind: e.kind, Weight: e.weight}
		}
		state.Edges[src] = recs
	}
	for ns, g := range s.graphs {
		b, err := g.SnapshotBytes()
		if err != nil {
			return errors.Wrap(errors.KindIoError, "shard.SnapshotSave", err)
		}
		state.HNSWGraphs[ns] = b
	}

	if err := s.snap.Save(state); err != nil {
		return err
	}
	s.lastSnapshotLSN = state.LSN
	return s.w.TruncatePrefix(state.LSN)
}
