package value

import (
	"testing"

	"github.com/meshdb/meshdb/pkg/types"
)

func TestFromJSONAndFlatten(t *testing.T) {
	doc, err := FromJSON(`{"name":"alice","age":30,"active":true,"tags":["a","b"],"addr":{"city":"ny"}}`)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}

	flat := Flatten(doc)
	want := map[string]types.Comparable{
		"name":       types.VarcharKey("alice"),
		"age":        types.IntKey(30),
		"active":     types.BoolKey(true),
		"tags.0":     types.VarcharKey("a"),
		"tags.1":     types.VarcharKey("b"),
		"addr.city":  types.VarcharKey("ny"),
	}
	if len(flat) != len(want) {
		t.Fatalf("expected %d scalars, got %d: %+v", len(want), len(flat), flat)
	}
	for _, ps := range flat {
		wv, ok := want[ps.Path]
		if !ok {
			t.Fatalf("unexpected path %q", ps.Path)
		}
		if wv.Compare(ps.Value) != 0 {
			t.Errorf("path %q: got %v want %v", ps.Path, ps.Value, wv)
		}
	}
}

func TestMerge(t *testing.T) {
	base, _ := FromJSON(`{"name":"alice","addr":{"city":"ny","zip":"10001"}}`)
	partial, _ := FromJSON(`{"addr":{"city":"sf"}}`)

	merged := Merge(base, partial)
	city, ok := At(merged, "addr.city")
	if !ok || city.Compare(types.VarcharKey("sf")) != 0 {
		t.Fatalf("expected addr.city=sf after merge, got %v", city)
	}
	zip, ok := At(merged, "addr.zip")
	if !ok || zip.Compare(types.VarcharKey("10001")) != 0 {
		t.Fatalf("expected addr.zip to survive merge, got %v", zip)
	}
	name, ok := At(merged, "name")
	if !ok || name.Compare(types.VarcharKey("alice")) != 0 {
		t.Fatalf("expected name to survive merge, got %v", name)
	}
}

func TestDiffPaths(t *testing.T) {
	oldDoc, _ := FromJSON(`{"tier":"hot","n":1}`)
	newDoc, _ := FromJSON(`{"tier":"cold","n":1}`)

	added, removed := DiffPaths(oldDoc, newDoc)
	if len(added) != 1 || added[0].Path != "tier" {
		t.Fatalf("expected one added path 'tier', got %+v", added)
	}
	if len(removed) != 1 || removed[0].Path != "tier" {
		t.Fatalf("expected one removed path 'tier', got %+v", removed)
	}
}

func TestDeleteKeys(t *testing.T) {
	m := MetaMap{"tier": "hot", "color": "red"}
	doc := m.ToDoc()
	doc = DeleteKeys(doc, []string{"tier"})
	back := MetaFromDoc(doc)
	if _, ok := back["tier"]; ok {
		t.Fatalf("expected tier to be deleted")
	}
	if back["color"] != "red" {
		t.Fatalf("expected color to survive, got %+v", back)
	}
}

func TestMatchesAll(t *testing.T) {
	meta := MetaMap{"tier": "hot", "region": "us"}
	if !MatchesAll(meta, map[string]interface{}{"tier": "hot"}) {
		t.Fatalf("expected match")
	}
	if MatchesAll(meta, map[string]interface{}{"tier": "cold"}) {
		t.Fatalf("expected no match")
	}
	if MatchesAll(meta, map[string]interface{}{"missing": "x"}) {
		t.Fatalf("expected no match for missing key")
	}
}
