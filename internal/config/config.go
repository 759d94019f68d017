// Package config loads meshdb's on-disk YAML configuration: data
// directory, shard count, HNSW tuning knobs, auto-link fan-out, snapshot
// interval, and fsync policy, merged on top of a complete set of defaults
// and loaded once at process start.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshdb/meshdb/pkg/wal"
)

// HNSWConfig holds the HNSW graph's build and search tuning knobs.
type HNSWConfig struct {
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
	M              int `yaml:"m"`
}

// AutoLinkConfig controls automatic nearest-neighbor edge creation on
// vector insert.
type AutoLinkConfig struct {
	K int `yaml:"k"`
}

// SnapshotConfig holds the snapshot interval setting. It is loaded and
// defaulted, but nothing in this module schedules snapshots from it:
// snapshots are taken only when SnapshotSave, Vacuum, or Reshard run.
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Config is the full process configuration.
type Config struct {
	DataDir    string         `yaml:"data_dir"`
	ShardTotal int            `yaml:"shard_total"`
	HNSW       HNSWConfig     `yaml:"hnsw"`
	AutoLink   AutoLinkConfig `yaml:"auto_link"`
	Snapshot   SnapshotConfig `yaml:"snapshot"`
	Fsync      string         `yaml:"fsync"` // "every-write" | "interval" | "batch"

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsOn bool   `yaml:"metrics"`
}

// Default returns the out-of-the-box configuration: ef-construction=200,
// M=16, auto-link.k=4, fsync=every-write.
func Default() Config {
	return Config{
		DataDir:    "./data",
		ShardTotal: 4,
		HNSW: HNSWConfig{
			EfConstruction: 200,
			EfSearch:       64,
			M:              16,
		},
		AutoLink: AutoLinkConfig{K: 4},
		Snapshot: SnapshotConfig{Interval: 5 * time.Minute},
		Fsync:    "every-write",
		LogLevel: "info",
	}
}

// Load reads and merges a YAML file on top of Default(); a missing file is
// not an error, callers get pure defaults since every knob already has one.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SyncPolicy translates the Fsync string knob into a wal.SyncPolicy.
func (c Config) SyncPolicy() wal.SyncPolicy {
	switch c.Fsync {
	case "interval":
		return wal.SyncInterval
	case "batch":
		return wal.SyncBatch
	default:
		return wal.SyncEveryWrite
	}
}
