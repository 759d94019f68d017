// Package value implements the polymorphic, opaque JSON-like value tree
// used by documents and rows: null, bool, integer, float, string, array,
// object, backed by bson.D so keys stay ordered and the rest of the engine
// never has to special-case map iteration order.
package value

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/meshdb/meshdb/pkg/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Doc is the tagged value tree for a document or row. bson.D is an ordered
// mapping (object); nested values may themselves be bson.D (object),
// bson.A (array), or a scalar.
type Doc = bson.D

// Marshal serializes a Doc to its stable wire form (BSON).
func Marshal(doc Doc) ([]byte, error) {
	return bson.Marshal(doc)
}

// Unmarshal deserializes a Doc from its wire form.
func Unmarshal(data []byte) (Doc, error) {
	var doc Doc
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("value: unmarshal failed: %w", err)
	}
	return doc, nil
}

// FromJSON parses a client-supplied JSON string into a Doc. Canonical
// (strict) extended JSON is used so numeric types round-trip unambiguously.
func FromJSON(jsonStr string) (Doc, error) {
	var doc Doc
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, fmt.Errorf("value: invalid json: %w", err)
	}
	return doc, nil
}

// ToJSON renders a Doc back to relaxed extended JSON for clients.
func ToJSON(doc Doc) (string, error) {
	jsonBytes, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", err
	}
	return string(jsonBytes), nil
}

// PathScalar is one (dotted JSON path, scalar value) pair discovered while
// flattening a document tree for secondary indexing.
type PathScalar struct {
	Path  string
	Value types.Comparable
}

// Flatten walks doc recursively and returns every (path, scalar) pair it
// contains. Only string/integer/boolean scalars are indexable; floats,
// dates, nulls, and composite values are walked for structure but never
// yield a PathScalar themselves. Array elements are addressed by their
// integer position, e.g. "tags.0".
func Flatten(doc Doc) []PathScalar {
	var out []PathScalar
	flattenValue("", doc, &out)
	return out
}

func flattenValue(prefix string, v interface{}, out *[]PathScalar) {
	switch val := v.(type) {
	case Doc:
		for _, elem := range val {
			flattenValue(joinPath(prefix, elem.Key), elem.Value, out)
		}
	case bson.A:
		for i, elem := range val {
			flattenValue(joinPath(prefix, strconv.Itoa(i)), elem, out)
		}
	case nil:
		// null contributes no scalar.
	default:
		if scalar, ok := toScalar(val); ok {
			*out = append(*out, PathScalar{Path: prefix, Value: scalar})
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// toScalar converts a raw BSON-decoded Go value to an indexable
// types.Comparable, if it is one of the three indexed kinds.
func toScalar(v interface{}) (types.Comparable, bool) {
	switch val := v.(type) {
	case int:
		return types.IntKey(val), true
	case int32:
		return types.IntKey(val), true
	case int64:
		return types.IntKey(val), true
	case string:
		return types.VarcharKey(val), true
	case bool:
		return types.BoolKey(val), true
	case float32, float64, time.Time:
		// Present in the tree, but not an indexed scalar kind: only
		// string/integer/boolean are indexed.
		return nil, false
	default:
		return nil, false
	}
}

// At extracts the scalar at a dotted path from the full recursive tree.
func At(doc Doc, path string) (types.Comparable, bool) {
	for _, ps := range Flatten(doc) {
		if ps.Path == path {
			return ps.Value, true
		}
	}
	return nil, false
}

// Merge applies a partial document on top of a base document. Keys present
// in partial overwrite keys in base; nested objects merge recursively;
// everything else (arrays, scalars) is replaced wholesale. Used for
// merge_vector_meta; document and row puts replace the stored value whole.
func Merge(base, partial Doc) Doc {
	result := make(Doc, 0, len(base)+len(partial))
	result = append(result, base...)

	for _, pe := range partial {
		idx := indexOfKey(result, pe.Key)
		if idx < 0 {
			result = append(result, pe)
			continue
		}
		baseVal, baseIsDoc := result[idx].Value.(Doc)
		partialVal, partialIsDoc := pe.Value.(Doc)
		if baseIsDoc && partialIsDoc {
			result[idx].Value = Merge(baseVal, partialVal)
		} else {
			result[idx].Value = pe.Value
		}
	}
	return result
}

func indexOfKey(doc Doc, key string) int {
	for i, e := range doc {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// DeleteKeys removes the named top-level keys from doc, returning a new Doc.
// Used by delete_vector_meta_keys.
func DeleteKeys(doc Doc, keys []string) Doc {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	result := make(Doc, 0, len(doc))
	for _, e := range doc {
		if _, ok := drop[e.Key]; ok {
			continue
		}
		result = append(result, e)
	}
	return result
}

// DiffPaths compares the flattened scalar sets of oldDoc and newDoc and
// reports which (path, value) pairs were added and which were removed,
// driving secondary-index maintenance on put.
func DiffPaths(oldDoc, newDoc Doc) (added, removed []PathScalar) {
	oldSet := flattenSet(oldDoc)
	newSet := flattenSet(newDoc)

	for key, ps := range newSet {
		if _, ok := oldSet[key]; !ok {
			added = append(added, ps)
		}
	}
	for key, ps := range oldSet {
		if _, ok := newSet[key]; !ok {
			removed = append(removed, ps)
		}
	}
	sortPathScalars(added)
	sortPathScalars(removed)
	return added, removed
}

func flattenSet(doc Doc) map[string]PathScalar {
	flat := Flatten(doc)
	set := make(map[string]PathScalar, len(flat))
	for _, ps := range flat {
		set[ps.Path+"="+fmt.Sprintf("%v", ps.Value)] = ps
	}
	return set
}

func sortPathScalars(ps []PathScalar) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Path < ps[j].Path })
}

// MetaMap is the flat string-to-scalar metadata attached to a vector
// record.
type MetaMap map[string]interface{}

// ToDoc converts a MetaMap to a Doc (bson.D) for uniform flattening/merge
// with the Flatten/Merge helpers above.
func (m MetaMap) ToDoc() Doc {
	doc := make(Doc, 0, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc = append(doc, bson.E{Key: k, Value: m[k]})
	}
	return doc
}

// MetaFromDoc converts a Doc back into a flat MetaMap (top-level keys only;
// metadata is not expected to nest).
func MetaFromDoc(doc Doc) MetaMap {
	m := make(MetaMap, len(doc))
	for _, e := range doc {
		m[e.Key] = e.Value
	}
	return m
}

// MatchesAll reports whether meta satisfies every (path, value) equality
// constraint in want. Used by filter_meta on vector search.
func MatchesAll(meta MetaMap, want map[string]interface{}) bool {
	for k, v := range want {
		mv, ok := meta[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", mv) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

// PathString renders a PathScalar for debugging/logging.
func (ps PathScalar) String() string {
	return fmt.Sprintf("%s=%v", ps.Path, ps.Value)
}
