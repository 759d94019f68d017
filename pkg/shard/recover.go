package shard

import (
	"io"

	"github.com/meshdb/meshdb/pkg/blobstore"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/snapshot"
	"github.com/meshdb/meshdb/pkg/value"
	"github.com/meshdb/meshdb/pkg/wal"
)

// recover rehydrates the shard's in-memory state from the latest snapshot
// (if any) and then replays every WAL record after that snapshot's LSN:
// a snapshot plus the WAL suffix after its LSN reconstructs current state
// across docs, rows, vectors, edges, and HNSW graphs.
func (s *Shard) recover(walPath string) error {
	var fromLSN uint64

	state, ok, err := s.snap.LoadLatest()
	if err != nil {
		return err
	}
	if ok {
		if err := s.hydrateFromSnapshot(state); err != nil {
			return err
		}
		fromLSN = state.LSN
		s.lastSnapshotLSN = state.LSN
		s.currentLSN = state.LSN
	}

	r, err := wal.NewWALReader(walPath)
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.recover", err)
	}
	defer r.Close()

	maxLSN := fromLSN
	for {
		entry, err := r.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A trailing short/corrupt record marks the tail of an
			// interrupted write: stop replay here rather than failing
			// recovery outright.
			s.log.Warn().Err(err).Msg("wal replay stopped at corrupt or truncated record")
			break
		}
		if entry.Header.LSN <= fromLSN {
			wal.ReleaseEntry(entry)
			continue
		}
		if err := s.applyWALEntry(entry.Header.EntryType, entry.Header.LSN, entry.Payload); err != nil {
			s.log.Warn().Err(err).Uint8("kind", entry.Header.EntryType).Msg("failed to apply wal record during replay")
		}
		if entry.Header.LSN > maxLSN {
			maxLSN = entry.Header.LSN
		}
		wal.ReleaseEntry(entry)
	}

	s.currentLSN = maxLSN
	s.w.SetNextLSN(maxLSN + 1)
	return nil
}

func (s *Shard) hydrateFromSnapshot(state *snapshot.ShardState) error {
	for id, loc := range state.DocOffsets {
		s.docIndex[id] = docLoc{offset: loc.Offset, namespace: loc.Namespace, collection: loc.Collection}
	}
	for id, loc := range state.RowOffsets {
		s.rowIndex[id] = docLoc{offset: loc.Offset, namespace: loc.Namespace, collection: loc.Collection}
	}
	for ns, byID := range state.VectorOffsets {
		m := make(map[ident.ID]int64, len(byID))
		for id, off := range byID {
			m[id] = off
		}
		s.vecLoc[ns] = m
	}
	for src, list := range state.Edges {
		out := make([]edge, len(list))
		for i, e := range list {
			out[i] = edge{dst: e.Dst, kind: e.Kind, weight: e.Weight}
		}
		s.edges[src] = out
	}
	for ns, graphBytes := range state.HNSWGraphs {
		g, err := hnsw.LoadBytes(graphBytes)
		if err != nil {
			return errors.Wrap(errors.KindCorruption, "shard.hydrateFromSnapshot", err)
		}
		s.graphs[ns] = g
	}

	// Rebuild the secondary index: it is derived state, never persisted in
	// the snapshot itself, so every live doc/row is re-read and its
	// flattened scalars reinserted.
	for id, loc := range s.docIndex {
		s.reindexSecondary(id, loc, s.docs)
	}
	for id, loc := range s.rowIndex {
		s.reindexSecondary(id, loc, s.rows)
	}
	return nil
}

func (s *Shard) reindexSecondary(id ident.ID, loc docLoc, store *blobstore.Manager) {
	raw, _, err := store.Get(loc.offset)
	if err != nil {
		return
	}
	doc, err := value.Unmarshal(raw)
	if err != nil {
		return
	}
	for _, ps := range value.Flatten(doc) {
		s.secondary.Put(loc.namespace, loc.collection, ps.Path, ps.Value, id)
	}
}

// applyWALEntry replays one record's effect onto in-memory state during
// recovery, mirroring the corresponding live-path mutation exactly.
func (s *Shard) applyWALEntry(kind uint8, lsn uint64, payload []byte) error {
	switch kind {
	case wal.EntryDocPut:
		p, err := wal.DecodeDocPayload(payload)
		if err != nil {
			return err
		}
		return s.replayDocPut(p, lsn, false)
	case wal.EntryRowPut:
		p, err := wal.DecodeDocPayload(payload)
		if err != nil {
			return err
		}
		return s.replayDocPut(p, lsn, true)
	case wal.EntryDocDel:
		p, err := wal.DecodeIDPayload(payload)
		if err != nil {
			return err
		}
		return s.replayDocDel(p.ID, lsn, false)
	case wal.EntryRowDel:
		p, err := wal.DecodeIDPayload(payload)
		if err != nil {
			return err
		}
		return s.replayDocDel(p.ID, lsn, true)
	case wal.EntryVectorPut:
		p, err := wal.DecodeVectorPutPayload(payload)
		if err != nil {
			return err
		}
		return s.replayVectorPut(p, lsn)
	case wal.EntryVectorDel:
		p, err := wal.DecodeIDPayload(payload)
		if err != nil {
			return err
		}
		return s.replayVectorDel(p.ID, lsn)
	case wal.EntryVectorMetaMerge:
		p, err := wal.DecodeVectorMetaMergePayload(payload)
		if err != nil {
			return err
		}
		return s.replayVectorMetaMerge(p)
	case wal.EntryVectorMetaDelKeys:
		p, err := wal.DecodeVectorMetaDelKeysPayload(payload)
		if err != nil {
			return err
		}
		return s.replayVectorMetaDelKeys(p)
	case wal.EntryEdgeAdd:
		p, err := wal.DecodeEdgeAddPayload(payload)
		if err != nil {
			return err
		}
		s.upsertEdge(p.Src, p.Dst, p.Weight, p.Kind)
		return nil
	default:
		return errors.Newf(errors.KindCorruption, "shard.applyWALEntry", "unknown wal entry kind %d", kind)
	}
}

func (s *Shard) replayDocPut(p wal.DocPayload, lsn uint64, isRow bool) error {
	index, store, _ := s.typedIndex(isRow)
	doc, err := value.Unmarshal(p.Value)
	if err != nil {
		return err
	}

	var oldDoc value.Doc
	if loc, ok := index[p.ID]; ok {
		if raw, _, err := store.Get(loc.offset); err == nil {
			oldDoc, _ = value.Unmarshal(raw)
		}
	}

	offset, err := store.Put(p.Value, lsn)
	if err != nil {
		return err
	}
	index[p.ID] = docLoc{offset: offset, namespace: p.Namespace, collection: p.Collection}

	added, removed := value.DiffPaths(oldDoc, doc)
	for _, ps := range removed {
		s.secondary.Remove(p.Namespace, p.Collection, ps.Path, ps.Value, p.ID)
	}
	for _, ps := range added {
		s.secondary.Put(p.Namespace, p.Collection, ps.Path, ps.Value, p.ID)
	}
	return nil
}

func (s *Shard) replayDocDel(id ident.ID, lsn uint64, isRow bool) error {
	index, store, _ := s.typedIndex(isRow)
	loc, ok := index[id]
	if !ok {
		return nil
	}
	if raw, _, err := store.Get(loc.offset); err == nil {
		if oldDoc, err := value.Unmarshal(raw); err == nil {
			for _, ps := range value.Flatten(oldDoc) {
				s.secondary.Remove(loc.namespace, loc.collection, ps.Path, ps.Value, id)
			}
		}
	}
	_ = store.Tombstone(loc.offset, lsn)
	delete(index, id)
	return nil
}

func (s *Shard) replayVectorPut(p wal.VectorPutPayload, lsn uint64) error {
	g, err := s.graph(p.Namespace, len(p.Vector), hnsw.Metric(p.Metric))
	if err != nil {
		return err
	}
	meta := value.MetaMap{}
	if len(p.Meta) > 0 {
		if doc, err := value.Unmarshal(p.Meta); err == nil {
			meta = value.MetaFromDoc(doc)
		}
	}

	if nsMap, ok := s.vecLoc[p.Namespace]; ok {
		if oldOffset, ok := nsMap[p.ID]; ok {
			_ = s.vecs.Tombstone(oldOffset, lsn)
		}
	} else {
		s.vecLoc[p.Namespace] = make(map[ident.ID]int64)
	}
	g.Delete(p.ID)

	rec := VectorRecord{Vector: p.Vector, Meta: meta}
	encoded, err := encodeVectorRecord(rec)
	if err != nil {
		return err
	}
	offset, err := s.vecs.Put(encoded, lsn)
	if err != nil {
		return err
	}
	s.vecLoc[p.Namespace][p.ID] = offset

	_, err = g.Insert(p.ID, p.Vector, meta)
	return err
}

func (s *Shard) replayVectorDel(id ident.ID, lsn uint64) error {
	for ns, g := range s.graphs {
		if _, ok := g.IDOf(id); ok {
			if offset, ok := s.vecLoc[ns][id]; ok {
				_ = s.vecs.Tombstone(offset, lsn)
			}
			g.Delete(id)
			s.removeOutgoingEdges(id, "knn")
			return nil
		}
	}
	return nil
}

func (s *Shard) replayVectorMetaMerge(p wal.VectorMetaMergePayload) error {
	partial, err := value.Unmarshal(p.Partial)
	if err != nil {
		return err
	}
	for _, g := range s.graphs {
		if existing, ok := g.Meta(p.ID); ok {
			g.SetMeta(p.ID, value.MetaFromDoc(value.Merge(existing.ToDoc(), partial)))
			return nil
		}
	}
	return nil
}

func (s *Shard) replayVectorMetaDelKeys(p wal.VectorMetaDelKeysPayload) error {
	for _, g := range s.graphs {
		if existing, ok := g.Meta(p.ID); ok {
			g.SetMeta(p.ID, value.MetaFromDoc(value.DeleteKeys(existing.ToDoc(), p.Keys)))
			return nil
		}
	}
	return nil
}
