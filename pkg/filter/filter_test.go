package filter

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/meshdb/meshdb/pkg/types"
	"github.com/meshdb/meshdb/pkg/value"
)

func TestEquality_Matches(t *testing.T) {
	eq := Equal("tier", types.VarcharKey("hot"))
	if !eq.Matches(types.VarcharKey("hot")) {
		t.Error("expected match on equal value")
	}
	if eq.Matches(types.VarcharKey("cold")) {
		t.Error("expected no match on different value")
	}
}

func TestVector_NilAllowsEverything(t *testing.T) {
	var f *Vector
	if !f.Allows(7, value.MetaMap{"tier": "hot"}) {
		t.Error("nil filter should allow everything")
	}
}

func TestVector_InternalIDs(t *testing.T) {
	bm := roaring.New()
	bm.Add(1)
	bm.Add(3)
	f := &Vector{InternalIDs: bm}

	if !f.Allows(1, nil) {
		t.Error("expected internal index 1 to be allowed")
	}
	if f.Allows(2, nil) {
		t.Error("expected internal index 2 to be rejected")
	}
}

func TestVector_Meta(t *testing.T) {
	f := &Vector{Meta: map[string]interface{}{"tier": "hot"}}
	if !f.Allows(0, value.MetaMap{"tier": "hot", "region": "us"}) {
		t.Error("expected match when meta contains required key/value")
	}
	if f.Allows(0, value.MetaMap{"tier": "cold"}) {
		t.Error("expected rejection on mismatched meta")
	}
	if f.Allows(0, value.MetaMap{}) {
		t.Error("expected rejection when required key missing")
	}
}

func TestVector_Selective(t *testing.T) {
	f := &Vector{Meta: map[string]interface{}{"tier": "hot"}}
	if !f.Selective(0.001) {
		t.Error("expected 0.1% pass rate to be selective")
	}
	if f.Selective(0.5) {
		t.Error("expected 50% pass rate to not be selective")
	}
	var nilFilter *Vector
	if nilFilter.Selective(0.001) {
		t.Error("nil filter is never selective")
	}
}
