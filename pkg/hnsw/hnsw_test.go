package hnsw

import (
	"math"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/filter"
	"github.com/meshdb/meshdb/pkg/value"
)

func randVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestInsertSearch_FindsItself(t *testing.T) {
	g := New(Config{Dim: 4, Metric: Cosine, M: 8, EfConstruction: 32})
	r := rand.New(rand.NewSource(1))

	ids := make([]uuid.UUID, 0, 50)
	vecs := make([][]float32, 0, 50)
	for i := 0; i < 50; i++ {
		id := uuid.New()
		v := randVec(r, 4)
		ids = append(ids, id)
		vecs = append(vecs, v)
		if _, err := g.Insert(id, v, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	for i, id := range ids {
		results, err := g.Search(vecs[i], 1, 32, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("expected at least one result")
		}
		if results[0].ID != id {
			t.Fatalf("expected nearest neighbor of its own vector to be itself, got %v want %v", results[0].ID, id)
		}
		if results[0].Distance > 1e-4 {
			t.Fatalf("expected ~0 distance to self, got %f", results[0].Distance)
		}
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	g := New(Config{Dim: 4, Metric: Cosine})
	if _, err := g.Insert(uuid.New(), []float32{1, 2, 3, 4}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := g.Search([]float32{1, 2, 3}, 1, 10, nil)
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if errors.KindOf(err) != errors.KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument, got %v", errors.KindOf(err))
	}
}

func TestInsert_DimensionMismatchIsConflict(t *testing.T) {
	g := New(Config{Dim: 4, Metric: Cosine})
	if _, err := g.Insert(uuid.New(), []float32{1, 2, 3, 4}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := g.Insert(uuid.New(), []float32{1, 2, 3}, nil)
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if errors.KindOf(err) != errors.KindConflict {
		t.Fatalf("expected KindConflict, got %v", errors.KindOf(err))
	}
}

func TestDelete_ExcludesFromSearch(t *testing.T) {
	g := New(Config{Dim: 2, Metric: L2, M: 8, EfConstruction: 32})
	target := uuid.New()
	if _, err := g.Insert(target, []float32{0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := g.Insert(uuid.New(), []float32{float32(i + 1), float32(i + 1)}, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	results, err := g.Search([]float32{0, 0}, 1, 32, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].ID != target {
		t.Fatalf("expected target to be nearest before delete")
	}

	if !g.Delete(target) {
		t.Fatalf("expected Delete to succeed")
	}
	if g.Delete(target) {
		t.Fatalf("expected second Delete of the same id to be a no-op")
	}

	results, err = g.Search([]float32{0, 0}, 1, 32, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == target {
			t.Fatalf("expected tombstoned id to be excluded from search results")
		}
	}
}

func TestSearch_FilterByInternalIDs(t *testing.T) {
	g := New(Config{Dim: 2, Metric: L2, M: 8, EfConstruction: 32})
	var allowedIdx uint32
	var allowedID uuid.UUID
	for i := 0; i < 10; i++ {
		id := uuid.New()
		idx, err := g.Insert(id, []float32{float32(i), 0}, nil)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if i == 5 {
			allowedIdx = idx
			allowedID = id
		}
	}

	bm := roaring.New()
	bm.Add(allowedIdx)
	f := &filter.Vector{InternalIDs: bm}

	results, err := g.Search([]float32{0, 0}, 3, 32, f)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 filtered result, got %d", len(results))
	}
	if results[0].ID != allowedID {
		t.Fatalf("expected only the allowed id to survive the filter")
	}
}

func TestSearch_FilterByMeta(t *testing.T) {
	g := New(Config{Dim: 2, Metric: L2, M: 8, EfConstruction: 32})
	hotID := uuid.New()
	if _, err := g.Insert(hotID, []float32{0, 0}, value.MetaMap{"tier": "hot"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := g.Insert(uuid.New(), []float32{0.1, 0}, value.MetaMap{"tier": "cold"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	f := &filter.Vector{Meta: map[string]interface{}{"tier": "hot"}}
	results, err := g.Search([]float32{0, 0}, 2, 32, f)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != hotID {
		t.Fatalf("expected only the hot-tier vector to match, got %v", results)
	}
}

func TestSetMetaAndMeta(t *testing.T) {
	g := New(Config{Dim: 2, Metric: Cosine})
	id := uuid.New()
	if _, err := g.Insert(id, []float32{1, 0}, value.MetaMap{"a": "1"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !g.SetMeta(id, value.MetaMap{"a": "2"}) {
		t.Fatalf("expected SetMeta to succeed for a live id")
	}
	got, ok := g.Meta(id)
	if !ok || got["a"] != "2" {
		t.Fatalf("expected updated meta, got %v", got)
	}

	if g.SetMeta(uuid.New(), value.MetaMap{}) {
		t.Fatalf("expected SetMeta to fail for an unknown id")
	}
}

func TestRebuild_PreservesLiveVectorsOnly(t *testing.T) {
	g := New(Config{Dim: 2, Metric: L2, M: 8, EfConstruction: 32})
	keep := uuid.New()
	drop := uuid.New()
	if _, err := g.Insert(keep, []float32{0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := g.Insert(drop, []float32{10, 10}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	g.Delete(drop)

	fresh, err := g.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if fresh.Len() != 1 {
		t.Fatalf("expected 1 live vector after rebuild, got %d", fresh.Len())
	}
	if _, ok := fresh.IDOf(keep); !ok {
		t.Fatalf("expected kept id to survive rebuild")
	}
	if _, ok := fresh.IDOf(drop); ok {
		t.Fatalf("expected tombstoned id to be reclaimed by rebuild")
	}
}

func TestRecall_SmallScaleSanityCheck(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	dim := 8
	g := New(Config{Dim: dim, Metric: L2, M: 16, EfConstruction: 64})

	n := 300
	ids := make([]uuid.UUID, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		ids[i] = uuid.New()
		vecs[i] = randVec(r, dim)
		if _, err := g.Insert(ids[i], vecs[i], nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	const k = 10
	hits := 0
	trials := 20
	for trial := 0; trial < trials; trial++ {
		q := randVec(r, dim)

		bruteBest := -1
		bruteDist := float32(math.MaxFloat32)
		for i, v := range vecs {
			d := l2(q, v)
			if d < bruteDist {
				bruteDist = d
				bruteBest = i
			}
		}

		results, err := g.Search(q, k, 64, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for _, res := range results {
			if res.ID == ids[bruteBest] {
				hits++
				break
			}
		}
	}

	// Small-scale sanity bound: HNSW with generous ef should find the true
	// nearest neighbor within the top-k well over half the time. This is not
	// a recall benchmark, just a regression guard against a broken graph.
	if hits < trials/2 {
		t.Fatalf("expected the brute-force nearest neighbor in the top-%d at least %d/%d times, got %d", k, trials/2, trials, hits)
	}
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
