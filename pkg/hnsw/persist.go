package hnsw

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/RoaringBitmap/roaring"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/value"
)

// snapshotNode is the gob-encodable shadow of node, used only for
// persistence — the live node keeps its fields unexported so the graph's
// invariants (level/neighbor slice length agreement) stay owned by this
// package.
type snapshotNode struct {
	ID        ident.ID
	Vector    []float32
	Level     int
	Neighbors [][]uint32
	Meta      value.MetaMap
}

// snapshotGraph is the full on-disk representation of a Graph, gob-encoded
// and inlined directly into the shard's snapshot.bin rather than a separate
// hnsw.graph file.
type snapshotGraph struct {
	Cfg        Config
	Entrypoint uint32
	TopLayer   int
	HasEntry   bool
	Nodes      []*snapshotNode // index i is internal index i; nil entries never occur, reclaimed slots stay (tombstoned)
	Fwd        map[ident.ID]uint32
	Tombstones []byte // roaring.Bitmap.ToBytes()
}

// Snapshot serializes the graph into w. The caller (pkg/snapshot) is
// responsible for compressing and atomically publishing the resulting
// bytes alongside the rest of the shard's state.
func (g *Graph) Snapshot(w io.Writer) error {
	nodes := make([]*snapshotNode, len(g.nodes))
	for i, n := range g.nodes {
		nodes[i] = &snapshotNode{
			ID:        n.id,
			Vector:    n.vector,
			Level:     n.level,
			Neighbors: n.neighbors,
			Meta:      n.meta,
		}
	}

	tb, err := g.tombstones.MarshalBinary()
	if err != nil {
		return errors.Wrap(errors.KindIoError, "hnsw.Snapshot", err)
	}

	sg := snapshotGraph{
		Cfg:        g.cfg,
		Entrypoint: g.entrypoint,
		TopLayer:   g.topLayer,
		HasEntry:   g.hasEntry,
		Nodes:      nodes,
		Fwd:        g.fwd,
		Tombstones: tb,
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(&sg); err != nil {
		return errors.Wrap(errors.KindIoError, "hnsw.Snapshot", err)
	}
	return nil
}

// Load reconstructs a Graph previously written by Snapshot.
func Load(r io.Reader) (*Graph, error) {
	var sg snapshotGraph
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&sg); err != nil {
		return nil, errors.Wrap(errors.KindCorruption, "hnsw.Load", err)
	}

	tombstones := roaring.New()
	if len(sg.Tombstones) > 0 {
		if err := tombstones.UnmarshalBinary(sg.Tombstones); err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "hnsw.Load", err)
		}
	}

	nodes := make([]*node, len(sg.Nodes))
	live := 0
	for i, sn := range sg.Nodes {
		nodes[i] = &node{
			id:        sn.ID,
			vector:    sn.Vector,
			level:     sn.Level,
			neighbors: sn.Neighbors,
			meta:      sn.Meta,
		}
		if !tombstones.Contains(uint32(i)) {
			live++
		}
	}

	g := &Graph{
		cfg:        sg.Cfg,
		entrypoint: sg.Entrypoint,
		topLayer:   sg.TopLayer,
		hasEntry:   sg.HasEntry,
		nodes:      nodes,
		fwd:        sg.Fwd,
		tombstones: tombstones,
		liveCount:  live,
	}
	if g.fwd == nil {
		g.fwd = make(map[ident.ID]uint32)
	}
	return g, nil
}

// SnapshotBytes and LoadBytes are convenience wrappers around Snapshot/Load
// for callers that already hold the whole buffer in memory (the shard
// snapshot writer decompresses the whole shard state before touching any
// sub-component).
func (g *Graph) SnapshotBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Snapshot(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func LoadBytes(b []byte) (*Graph, error) {
	return Load(bytes.NewReader(b))
}
