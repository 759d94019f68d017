package shard

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/filter"
	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/value"
	"github.com/meshdb/meshdb/pkg/wal"
)

// VectorRecord is a stored vector plus its metadata, gob-encoded into the
// vector blobstore.
type VectorRecord struct {
	Vector []float32
	Meta   value.MetaMap
}

// PutVector inserts or replaces a vector. A replace tombstones the old HNSW
// entry and inserts a fresh one, then re-runs auto-linking, which adds or
// reweights "knn" edges to the vector's current nearest neighbors; "knn"
// edges left over from its earlier placement are not removed.
func (s *Shard) PutVector(id ident.ID, ns string, vec []float32, meta value.MetaMap, metric hnsw.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putVectorLocked(id, ns, vec, meta, metric)
}

func (s *Shard) putVectorLocked(id ident.ID, ns string, vec []float32, meta value.MetaMap, metric hnsw.Metric) error {
	g, err := s.graph(ns, len(vec), metric)
	if err != nil {
		return err
	}

	metaDoc := meta.ToDoc()
	metaBytes, err := value.Marshal(metaDoc)
	if err != nil {
		return errors.Wrap(errors.KindInvalidArgument, "shard.PutVector", err)
	}

	payload, err := wal.EncodeVectorPutPayload(wal.VectorPutPayload{ID: id, Namespace: ns, Vector: vec, Meta: metaBytes, Metric: uint8(metric)})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.PutVector", err)
	}
	lsn, err := s.appendWAL(wal.EntryVectorPut, payload)
	if err != nil {
		return err
	}

	if nsMap, ok := s.vecLoc[ns]; ok {
		if oldOffset, ok := nsMap[id]; ok {
			_ = s.vecs.Tombstone(oldOffset, lsn)
		}
	} else {
		s.vecLoc[ns] = make(map[ident.ID]int64)
	}
	if g.Delete(id) {
		// prior live entry tombstoned in the graph too
	}

	rec := VectorRecord{Vector: vec, Meta: meta}
	encoded, err := encodeVectorRecord(rec)
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.PutVector", err)
	}
	offset, err := s.vecs.Put(encoded, lsn)
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.PutVector", err)
	}
	s.vecLoc[ns][id] = offset

	if _, err := g.Insert(id, vec, meta); err != nil {
		return err
	}

	s.autoLink(ns, id, g)
	return nil
}

// BulkPutVectors batches a list of vector puts under a single shard write
// lock, so a reader never observes a half-applied bulk insert.
func (s *Shard) BulkPutVectors(ns string, metric hnsw.Metric, items []VectorInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if err := s.putVectorLocked(item.ID, ns, item.Vector, item.Meta, metric); err != nil {
			return err
		}
	}
	return nil
}

// VectorInput is one (id, vector, meta) tuple for BulkPutVectors.
type VectorInput struct {
	ID     ident.ID
	Vector []float32
	Meta   value.MetaMap
}

// GetVector returns the live vector and metadata for id in namespace ns.
func (s *Shard) GetVector(ns string, id ident.ID) ([]float32, value.MetaMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[ns]
	if !ok {
		return nil, nil, errors.NotFoundf("shard.GetVector", "namespace %q has no vectors", ns)
	}
	vec, ok := g.Vector(id)
	if !ok {
		return nil, nil, errors.NotFoundf("shard.GetVector", "id %s not found in namespace %q", id, ns)
	}
	meta, _ := g.Meta(id)
	return vec, meta, nil
}

// DeleteVector tombstones a vector in both the blobstore and the HNSW graph;
// physical removal is deferred to vacuum/rebuild.
func (s *Shard) DeleteVector(ns string, id ident.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.graphs[ns]
	if !ok {
		return errors.NotFoundf("shard.DeleteVector", "namespace %q has no vectors", ns)
	}
	if _, ok := g.IDOf(id); !ok {
		return errors.NotFoundf("shard.DeleteVector", "id %s not found in namespace %q", id, ns)
	}

	payload, err := wal.EncodeIDPayload(wal.IDPayload{ID: id})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.DeleteVector", err)
	}
	lsn, err := s.appendWAL(wal.EntryVectorDel, payload)
	if err != nil {
		return err
	}

	if offset, ok := s.vecLoc[ns][id]; ok {
		_ = s.vecs.Tombstone(offset, lsn)
	}
	g.Delete(id)
	s.removeOutgoingEdges(id, "knn")
	return nil
}

// MergeVectorMeta applies partial on top of id's existing metadata.
func (s *Shard) MergeVectorMeta(ns string, id ident.ID, partial value.MetaMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.graphs[ns]
	if !ok {
		return errors.NotFoundf("shard.MergeVectorMeta", "namespace %q has no vectors", ns)
	}
	existing, ok := g.Meta(id)
	if !ok {
		return errors.NotFoundf("shard.MergeVectorMeta", "id %s not found in namespace %q", id, ns)
	}

	partialBytes, err := value.Marshal(partial.ToDoc())
	if err != nil {
		return errors.Wrap(errors.KindInvalidArgument, "shard.MergeVectorMeta", err)
	}
	payload, err := wal.EncodeVectorMetaMergePayload(wal.VectorMetaMergePayload{ID: id, Partial: partialBytes})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.MergeVectorMeta", err)
	}
	if _, err := s.appendWAL(wal.EntryVectorMetaMerge, payload); err != nil {
		return err
	}

	merged := value.MetaFromDoc(value.Merge(existing.ToDoc(), partial.ToDoc()))
	g.SetMeta(id, merged)
	return nil
}

// DeleteVectorMetaKeys removes the named keys from id's metadata. A missing
// vector is reported as NotFound.
func (s *Shard) DeleteVectorMetaKeys(ns string, id ident.ID, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.graphs[ns]
	if !ok {
		return errors.NotFoundf("shard.DeleteVectorMetaKeys", "namespace %q has no vectors", ns)
	}
	existing, ok := g.Meta(id)
	if !ok {
		return errors.NotFoundf("shard.DeleteVectorMetaKeys", "id %s not found in namespace %q", id, ns)
	}

	payload, err := wal.EncodeVectorMetaDelKeysPayload(wal.VectorMetaDelKeysPayload{ID: id, Keys: keys})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.DeleteVectorMetaKeys", err)
	}
	if _, err := s.appendWAL(wal.EntryVectorMetaDelKeys, payload); err != nil {
		return err
	}

	pruned := value.MetaFromDoc(value.DeleteKeys(existing.ToDoc(), keys))
	g.SetMeta(id, pruned)
	return nil
}

// SearchParams bundles a vector search's optional arguments: the metric to
// validate against the namespace, an ef override, and an optional id-set
// or metadata filter.
type SearchParams struct {
	Metric     hnsw.Metric
	EfSearch   int // 0 uses the shard default
	FilterIDs  []ident.ID
	FilterMeta map[string]interface{}
}

// SearchVectors runs an HNSW search within namespace ns.
func (s *Shard) SearchVectors(ns string, query []float32, k int, params SearchParams) ([]hnsw.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[ns]
	if !ok {
		return nil, nil
	}
	if g.Config().Metric != params.Metric {
		return nil, errors.Newf(errors.KindConflict, "shard.SearchVectors", "namespace %q is fixed at metric %v, got %v", ns, g.Config().Metric, params.Metric)
	}

	ef := params.EfSearch
	if ef <= 0 {
		ef = s.cfg.EfSearch
	}

	var f *filter.Vector
	if len(params.FilterIDs) > 0 || len(params.FilterMeta) > 0 {
		f = &filter.Vector{Meta: params.FilterMeta}
		if len(params.FilterIDs) > 0 {
			bm := roaring.New()
			for _, id := range params.FilterIDs {
				if idx, ok := g.IDOf(id); ok {
					bm.Add(idx)
				}
			}
			f.InternalIDs = bm
		}
	}

	if f != nil {
		if passRate := estimatedPassRate(params, g); f.Selective(passRate) {
			return s.searchOversampled(g, query, k, ef, f, passRate)
		}
	}
	return g.Search(query, k, ef, f)
}

// estimatedPassRate estimates the fraction of live vectors in g that would
// pass f, from an id-set filter's cardinality against the graph's live
// count. Metadata-only filters have no cheap cardinality estimate and
// report 0, which keeps them on the in-beam filtering path.
func estimatedPassRate(params SearchParams, g *hnsw.Graph) float64 {
	if len(params.FilterIDs) == 0 {
		return 0
	}
	total := g.Len()
	if total == 0 {
		return 0
	}
	return float64(len(params.FilterIDs)) / float64(total)
}

// searchOversampled runs an unfiltered beam search widened by 1/passRate so
// that, in expectation, it still surfaces k matches, then applies f as a
// post-filter over the oversampled candidates. Used instead of in-beam
// filtering when f is estimated to reject almost every candidate, since an
// in-beam filter would otherwise waste most of its beam width on
// candidates that get rejected anyway.
func (s *Shard) searchOversampled(g *hnsw.Graph, query []float32, k, ef int, f *filter.Vector, passRate float64) ([]hnsw.Result, error) {
	oversampleK := k
	if passRate > 0 {
		oversampleK = int(float64(k) / passRate)
	}
	if oversampleK > g.Len() {
		oversampleK = g.Len()
	}
	if oversampleK < k {
		oversampleK = k
	}
	oversampleEf := ef
	if oversampleEf < oversampleK {
		oversampleEf = oversampleK
	}

	raw, err := g.Search(query, oversampleK, oversampleEf, nil)
	if err != nil {
		return nil, err
	}

	out := make([]hnsw.Result, 0, k)
	for _, r := range raw {
		if len(out) >= k {
			break
		}
		if f.InternalIDs != nil {
			idx, ok := g.IDOf(r.ID)
			if !ok || !f.InternalIDs.Contains(idx) {
				continue
			}
		}
		if len(f.Meta) > 0 && !value.MatchesAll(r.Meta, f.Meta) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
