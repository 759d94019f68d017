package index

import (
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/types"
)

func idsEqual(t *testing.T, got []ident.ID, want ...ident.ID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d (%v)", len(want), len(got), got)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].String() < got[j].String() })
	sort.Slice(want, func(i, j int) bool { return want[i].String() < want[j].String() })
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestManager_PutLookup(t *testing.T) {
	m := NewManager()
	a, b := uuid.New(), uuid.New()

	m.Put("u", "users", "tier", types.VarcharKey("hot"), a)
	m.Put("u", "users", "tier", types.VarcharKey("hot"), b)
	m.Put("u", "users", "tier", types.VarcharKey("cold"), uuid.New())

	got := m.Lookup("u", "users", "tier", types.VarcharKey("hot"))
	idsEqual(t, got, a, b)
}

func TestManager_Remove(t *testing.T) {
	m := NewManager()
	a, b := uuid.New(), uuid.New()
	m.Put("u", "users", "tier", types.VarcharKey("hot"), a)
	m.Put("u", "users", "tier", types.VarcharKey("hot"), b)

	m.Remove("u", "users", "tier", types.VarcharKey("hot"), a)
	got := m.Lookup("u", "users", "tier", types.VarcharKey("hot"))
	idsEqual(t, got, b)
}

func TestManager_RemoveEmptiesBucketDropsKey(t *testing.T) {
	m := NewManager()
	a := uuid.New()
	m.Put("u", "users", "tier", types.VarcharKey("hot"), a)
	m.Remove("u", "users", "tier", types.VarcharKey("hot"), a)

	distinct, mean := m.Stats("u", "users", "tier")
	if distinct != 0 || mean != 0 {
		t.Fatalf("expected empty stats after removing last id, got distinct=%d mean=%f", distinct, mean)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager()
	m.Put("u", "users", "tier", types.VarcharKey("hot"), uuid.New())
	m.Put("u", "users", "tier", types.VarcharKey("hot"), uuid.New())
	m.Put("u", "users", "tier", types.VarcharKey("cold"), uuid.New())

	distinct, mean := m.Stats("u", "users", "tier")
	if distinct != 2 {
		t.Fatalf("expected 2 distinct values, got %d", distinct)
	}
	if mean != 1.5 {
		t.Fatalf("expected mean bucket size 1.5, got %f", mean)
	}
}

func TestManager_UnknownFieldIsEmpty(t *testing.T) {
	m := NewManager()
	if got := m.Lookup("u", "users", "nope", types.VarcharKey("x")); got != nil {
		t.Fatalf("expected nil for unknown field, got %v", got)
	}
	distinct, mean := m.Stats("u", "users", "nope")
	if distinct != 0 || mean != 0 {
		t.Fatalf("expected zero stats for unknown field, got %d %f", distinct, mean)
	}
}

func TestManager_ManyKeysSplitsTree(t *testing.T) {
	m := NewManager()
	ids := make([]ident.ID, 0, 200)
	for i := 0; i < 200; i++ {
		id := uuid.New()
		ids = append(ids, id)
		m.Put("m", "metrics", "bucket", types.IntKey(int64(i)), id)
	}

	for i, id := range ids {
		got := m.Lookup("m", "metrics", "bucket", types.IntKey(int64(i)))
		idsEqual(t, got, id)
	}

	distinct, mean := m.Stats("m", "metrics", "bucket")
	if distinct != 200 {
		t.Fatalf("expected 200 distinct keys, got %d", distinct)
	}
	if mean != 1 {
		t.Fatalf("expected mean bucket size 1, got %f", mean)
	}
}
