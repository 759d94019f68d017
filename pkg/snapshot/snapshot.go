// Package snapshot implements the atomic, compressed shard-state checkpoint:
// write-temp-then-rename, LSN-suffixed filenames, and a scan for the newest
// file on load. A shard's entire state (one gob-encoded, zstd-compressed
// ShardState per file) is a handful of typed maps plus one HNSW graph per
// vector namespace.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/ident"
)

// EdgeRecord is the persisted shape of a mesh edge, keyed by its source id
// in ShardState.Edges.
type EdgeRecord struct {
	Dst    ident.ID
	Kind   string
	Weight float64
}

// Location pins a document or row to both its blobstore offset and the
// (namespace, collection|table) it was written under, so a lookup by id
// alone can report it without a second index.
type Location struct {
	Offset     int64
	Namespace  string
	Collection string
}

// ShardState is everything a shard needs to resume serving without
// replaying its WAL from the beginning: a snapshot plus the WAL suffix
// after its LSN reconstructs current state.
type ShardState struct {
	LSN uint64

	// DocOffsets/RowOffsets map a document or row id to its location.
	DocOffsets map[ident.ID]Location
	RowOffsets map[ident.ID]Location

	// VectorOffsets is namespace -> id -> blobstore offset, since the same
	// id may exist in more than one vector namespace.
	VectorOffsets map[string]map[ident.ID]int64

	// Edges is adjacency by source id; a (dst, kind) pair is unique within
	// one src's list, so re-adding the same triple is idempotent, never
	// doubled, by construction of the shard's add_edge.
	Edges map[ident.ID][]EdgeRecord

	// HNSWGraphs is namespace -> gob-encoded hnsw.Graph bytes (hnsw.Graph's
	// own Snapshot/Load), inlined here rather than split into a separate
	// file per namespace.
	HNSWGraphs map[string][]byte
}

func newShardState() *ShardState {
	return &ShardState{
		DocOffsets:    make(map[ident.ID]Location),
		RowOffsets:    make(map[ident.ID]Location),
		VectorOffsets: make(map[string]map[ident.ID]int64),
		Edges:         make(map[ident.ID][]EdgeRecord),
		HNSWGraphs:    make(map[string][]byte),
	}
}

// Manager persists and restores ShardState for a single shard directory,
// one zstd-compressed file per LSN.
type Manager struct {
	dir string
	mu  sync.Mutex
}

func NewManager(shardDir string) *Manager {
	return &Manager{dir: shardDir}
}

const (
	filePrefix = "snapshot_"
	fileSuffix = ".bin"
)

// Save writes state to a new snapshot file named by its LSN, compressing
// the gob-encoded payload with zstd and publishing it via write-temp +
// fsync + rename so a crash mid-write never leaves a corrupt snapshot file
// visible to a later Load.
func (m *Manager) Save(state *ShardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return errors.Wrap(errors.KindIoError, "snapshot.Save", err)
	}

	compressed, err := zstd.Compress(nil, buf.Bytes())
	if err != nil {
		return errors.Wrap(errors.KindIoError, "snapshot.Save", err)
	}

	name := fmt.Sprintf("%s%020d%s", filePrefix, state.LSN, fileSuffix)
	path := filepath.Join(m.dir, name)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err == nil {
		_, err = f.Write(compressed)
		if err == nil {
			err = f.Sync()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return errors.Wrap(errors.KindIoError, "snapshot.Save", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(errors.KindIoError, "snapshot.Save", err)
	}

	return m.pruneOlderThan(state.LSN)
}

// pruneOlderThan removes every snapshot file with an LSN strictly less than
// keepLSN, keeping only the most recent.
func (m *Manager) pruneOlderThan(keepLSN uint64) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return errors.Wrap(errors.KindIoError, "snapshot.prune", err)
	}
	for _, e := range entries {
		lsn, ok := parseLSN(e.Name())
		if ok && lsn < keepLSN {
			_ = os.Remove(filepath.Join(m.dir, e.Name()))
		}
	}
	return nil
}

func parseLSN(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	s := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	lsn, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return lsn, true
}

// LoadLatest returns the most recent snapshot in the shard directory, or
// (nil, false, nil) if none exists yet — a brand-new shard replays its
// entire WAL from LSN 0 in that case.
func (m *Manager) LoadLatest() (*ShardState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.KindIoError, "snapshot.LoadLatest", err)
	}

	var best string
	var bestLSN uint64
	found := false
	for _, e := range entries {
		lsn, ok := parseLSN(e.Name())
		if !ok {
			continue
		}
		if !found || lsn > bestLSN {
			bestLSN = lsn
			best = e.Name()
			found = true
		}
	}
	if !found {
		return nil, false, nil
	}

	compressed, err := os.ReadFile(filepath.Join(m.dir, best))
	if err != nil {
		return nil, false, errors.Wrap(errors.KindIoError, "snapshot.LoadLatest", err)
	}
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, false, errors.Wrap(errors.KindCorruption, "snapshot.LoadLatest", err)
	}

	state := newShardState()
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(state); err != nil {
		return nil, false, errors.Wrap(errors.KindCorruption, "snapshot.LoadLatest", err)
	}
	return state, true, nil
}

// New returns an empty ShardState at LSN 0, which the caller fills in
// before passing it to Save.
func New() *ShardState {
	return newShardState()
}

// list returns every known snapshot LSN in ascending order — used by tests
// to confirm a prune actually ran.
func (m *Manager) list() []uint64 {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var lsns []uint64
	for _, e := range entries {
		if lsn, ok := parseLSN(e.Name()); ok {
			lsns = append(lsns, lsn)
		}
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns
}
