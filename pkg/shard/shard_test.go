package shard_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/meshdb/meshdb/pkg/hnsw"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/shard"
	"github.com/meshdb/meshdb/pkg/value"
	"github.com/meshdb/meshdb/pkg/wal"
)

func testConfig(dir string) shard.Config {
	return shard.Config{
		Index:          0,
		Dir:            dir,
		SyncPolicy:     wal.SyncEveryWrite,
		EfConstruction: 64,
		EfSearch:       32,
		M:              8,
		AutoLinkK:      2,
	}
}

func openShard(t *testing.T, dir string) *shard.Shard {
	t.Helper()
	s, err := shard.Open(testConfig(dir), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestShard_PutGetDeleteDoc(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	id := ident.New()
	doc := value.Doc{{Key: "name", Value: "Alice"}, {Key: "age", Value: int32(30)}}

	if err := s.PutDoc(id, "default", "users", doc); err != nil {
		t.Fatalf("PutDoc: %v", err)
	}

	got, ns, coll, err := s.GetDoc(id)
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if ns != "default" || coll != "users" {
		t.Fatalf("expected (default, users), got (%s, %s)", ns, coll)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(got))
	}

	if err := s.DeleteDoc(id); err != nil {
		t.Fatalf("DeleteDoc: %v", err)
	}
	if _, _, _, err := s.GetDoc(id); err == nil {
		t.Fatalf("expected GetDoc to fail after delete")
	}
}

func TestShard_PutDocReplaceOverwritesValue(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	id := ident.New()
	doc1 := value.Doc{{Key: "status", Value: "active"}}
	doc2 := value.Doc{{Key: "status", Value: "inactive"}}

	if err := s.PutDoc(id, "default", "accounts", doc1); err != nil {
		t.Fatalf("PutDoc 1: %v", err)
	}
	if err := s.PutDoc(id, "default", "accounts", doc2); err != nil {
		t.Fatalf("PutDoc 2: %v", err)
	}

	got, _, _, err := s.GetDoc(id)
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	var status string
	for _, e := range got {
		if e.Key == "status" {
			status, _ = e.Value.(string)
		}
	}
	if status != "inactive" {
		t.Fatalf("expected status=inactive, got %q", status)
	}
}

func TestShard_VectorPutSearchAutoLink(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	a, b, c := ident.New(), ident.New(), ident.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("PutVector: %v", err)
		}
	}
	must(s.PutVector(a, "images", []float32{1, 0, 0}, nil, hnsw.Cosine))
	must(s.PutVector(b, "images", []float32{0.9, 0.1, 0}, nil, hnsw.Cosine))
	must(s.PutVector(c, "images", []float32{0, 1, 0}, nil, hnsw.Cosine))

	results, err := s.SearchVectors("images", []float32{1, 0, 0}, 2, shard.SearchParams{Metric: hnsw.Cosine})
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(results) == 0 || results[0].ID != a {
		t.Fatalf("expected nearest neighbor to be a, got %+v", results)
	}

	neighbors := s.Neighbors(a)
	if len(neighbors) == 0 {
		t.Fatalf("expected auto-linked knn edges for a, got none")
	}
}

func TestShard_VectorDeleteRemovesFromSearch(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	id := ident.New()
	if err := s.PutVector(id, "images", []float32{1, 1, 1}, nil, hnsw.Cosine); err != nil {
		t.Fatalf("PutVector: %v", err)
	}
	if err := s.DeleteVector("images", id); err != nil {
		t.Fatalf("DeleteVector: %v", err)
	}
	if _, _, err := s.GetVector("images", id); err == nil {
		t.Fatalf("expected GetVector to fail after delete")
	}
}

func TestShard_MergeAndDeleteVectorMetaKeys(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	id := ident.New()
	meta := value.MetaMap{"tag": "a", "color": "red"}
	if err := s.PutVector(id, "images", []float32{1, 2, 3}, meta, hnsw.Cosine); err != nil {
		t.Fatalf("PutVector: %v", err)
	}

	if err := s.MergeVectorMeta("images", id, value.MetaMap{"color": "blue"}); err != nil {
		t.Fatalf("MergeVectorMeta: %v", err)
	}
	_, gotMeta, err := s.GetVector("images", id)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if gotMeta["color"] != "blue" || gotMeta["tag"] != "a" {
		t.Fatalf("expected merged meta, got %+v", gotMeta)
	}

	if err := s.DeleteVectorMetaKeys("images", id, []string{"tag"}); err != nil {
		t.Fatalf("DeleteVectorMetaKeys: %v", err)
	}
	_, gotMeta, err = s.GetVector("images", id)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if _, ok := gotMeta["tag"]; ok {
		t.Fatalf("expected tag key to be removed, got %+v", gotMeta)
	}
}

func TestShard_AddEdgeAndNeighbors(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	src, dst := ident.New(), ident.New()
	if err := s.AddEdge(src, dst, 0.5, "references"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := s.AddEdge(src, dst, 0.9, "references"); err != nil {
		t.Fatalf("AddEdge (update): %v", err)
	}

	neighbors := s.Neighbors(src)
	if len(neighbors) != 1 {
		t.Fatalf("expected a single deduped edge, got %d", len(neighbors))
	}
	if neighbors[0].Weight != 0.9 {
		t.Fatalf("expected updated weight 0.9, got %f", neighbors[0].Weight)
	}
}

func TestShard_SnapshotAndRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)

	id := ident.New()
	vecID := ident.New()
	if err := s.PutDoc(id, "default", "users", value.Doc{{Key: "name", Value: "Bob"}}); err != nil {
		t.Fatalf("PutDoc: %v", err)
	}
	if err := s.PutVector(vecID, "images", []float32{1, 2, 3}, nil, hnsw.Cosine); err != nil {
		t.Fatalf("PutVector: %v", err)
	}
	if err := s.AddEdge(id, vecID, 1.0, "tags"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := s.SnapshotSave(); err != nil {
		t.Fatalf("SnapshotSave: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openShard(t, dir)
	defer s2.Close()

	doc, _, _, err := s2.GetDoc(id)
	if err != nil {
		t.Fatalf("GetDoc after recover: %v", err)
	}
	if len(doc) != 1 || doc[0].Value != "Bob" {
		t.Fatalf("expected recovered doc to round-trip, got %+v", doc)
	}

	vec, _, err := s2.GetVector("images", vecID)
	if err != nil {
		t.Fatalf("GetVector after recover: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected recovered vector to round-trip, got %v", vec)
	}

	neighbors := s2.Neighbors(id)
	if len(neighbors) != 1 || neighbors[0].Dst != vecID {
		t.Fatalf("expected recovered edge to round-trip, got %+v", neighbors)
	}
}

func TestShard_VacuumKeepsLiveVectors(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.PutVector(ident.New(), "images", []float32{float32(i), 0, 0}, nil, hnsw.Cosine); err != nil {
			t.Fatalf("PutVector %d: %v", i, err)
		}
	}
	if err := s.Vacuum(); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	stats := s.Stats()
	if stats.VectorCount != 5 {
		t.Fatalf("expected 5 live vectors after vacuum, got %d", stats.VectorCount)
	}
}

func TestShard_DirLayout(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	defer s.Close()

	for _, name := range []string{"wal.log", "docs_001.blob", "rows_001.blob", "vectors_001.blob"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s in the shard directory: %v", name, err)
		}
	}
}
