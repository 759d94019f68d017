// Package datadir guards a meshdb data directory against being opened by
// more than one process at once, via an advisory file lock on data/LOCK
// (gofrs/flock). Each shard owns its on-disk state exclusively: two
// processes opening the same data directory would corrupt the WAL and
// blobstore files underneath each other.
package datadir

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/meshdb/meshdb/pkg/errors"
)

// Lock holds the advisory lock on a data directory's LOCK file for the
// lifetime of the process.
type Lock struct {
	fl *flock.Flock
}

// Acquire creates dir if necessary and takes an exclusive, non-blocking
// lock on dir/LOCK. A locked directory returns ShardUnavailable, since the
// caller cannot proceed until the other process releases it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(errors.KindIoError, "datadir.Acquire", err)
	}

	fl := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, "datadir.Acquire", err)
	}
	if !locked {
		return nil, errors.Newf(errors.KindShardUnavailable, "datadir.Acquire", "data directory %q is already locked by another process", dir)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks the data directory.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
