package shard

import (
	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/value"
)

// WalkKind discriminates the items WalkFunc receives.
type WalkKind int

const (
	WalkDoc WalkKind = iota
	WalkRow
	WalkVector
	WalkEdge
)

// WalkItem is one live record surfaced by Walk, shaped to cover every kind
// without a separate struct per kind (resharding is the only caller and
// wants a single uniform stream).
type WalkItem struct {
	Kind WalkKind

	ID         ident.ID
	Namespace  string
	Collection string
	Doc        value.Doc

	Vector []float32
	Meta   value.MetaMap
	Metric hnsw.Metric

	EdgeDst    ident.ID
	EdgeWeight float64
	EdgeKind   string
}

// Walk streams every live document, row, vector, and edge in the shard to
// fn, used by resharding to redistribute records across a new shard count.
// Stops and returns fn's error on the first failure.
func (s *Shard) Walk(fn func(WalkItem) error) error {
	s.mu.RLock()
	type docEntry struct {
		id  ident.ID
		loc docLoc
	}
	docs := make([]docEntry, 0, len(s.docIndex))
	for id, loc := range s.docIndex {
		docs = append(docs, docEntry{id, loc})
	}
	rows := make([]docEntry, 0, len(s.rowIndex))
	for id, loc := range s.rowIndex {
		rows = append(rows, docEntry{id, loc})
	}
	type vecEntry struct {
		ns  string
		id  ident.ID
		vec []float32
		m   value.MetaMap
		mt  hnsw.Metric
	}
	var vecs []vecEntry
	for ns, g := range s.graphs {
		for id := range s.vecLoc[ns] {
			if v, ok := g.Vector(id); ok {
				meta, _ := g.Meta(id)
				vecs = append(vecs, vecEntry{ns: ns, id: id, vec: v, m: meta, mt: g.Config().Metric})
			}
		}
	}
	type edgeEntry struct {
		src ident.ID
		e   edge
	}
	var edges []edgeEntry
	for src, list := range s.edges {
		for _, e := range list {
			edges = append(edges, edgeEntry{src, e})
		}
	}
	s.mu.RUnlock()

	for _, d := range docs {
		raw, _, err := s.docs.Get(d.loc.offset)
		if err != nil {
			continue
		}
		doc, err := value.Unmarshal(raw)
		if err != nil {
			continue
		}
		if err := fn(WalkItem{Kind: WalkDoc, ID: d.id, Namespace: d.loc.namespace, Collection: d.loc.collection, Doc: doc}); err != nil {
			return err
		}
	}
	for _, d := range rows {
		raw, _, err := s.rows.Get(d.loc.offset)
		if err != nil {
			continue
		}
		doc, err := value.Unmarshal(raw)
		if err != nil {
			continue
		}
		if err := fn(WalkItem{Kind: WalkRow, ID: d.id, Namespace: d.loc.namespace, Collection: d.loc.collection, Doc: doc}); err != nil {
			return err
		}
	}
	for _, v := range vecs {
		if err := fn(WalkItem{Kind: WalkVector, ID: v.id, Namespace: v.ns, Vector: v.vec, Meta: v.m, Metric: v.mt}); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := fn(WalkItem{Kind: WalkEdge, ID: e.src, EdgeDst: e.e.dst, EdgeWeight: e.e.weight, EdgeKind: e.e.kind}); err != nil {
			return err
		}
	}
	return nil
}
