// Package config resolves engine configuration from the environment: a
// small set of knobs, each with a sane default, read once at Open time.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Config holds every tunable the engine reads at Open time.
type Config struct {
	// RootDir is where unit directories (staging WALs and compacted
	// sstables alike), secondary index files, and persisted counters live
	// on disk.
	RootDir string

	// CompactionThreshold is the primary chain length (in nodes) at which
	// F+C starts looking for a contiguous run behind the fence to fold.
	CompactionThreshold int

	// MaxCommitRetries bounds how many times a caller-level retry loop
	// should re-attempt a transaction before surfacing ErrConflict to the
	// caller; the caller decides how many attempts are worth making.
	MaxCommitRetries int

	// MetricsAddr, if non-empty, is the address cmd/pancake-bench (or any
	// embedding process) should bind a /metrics endpoint to.
	MetricsAddr string

	// JSONLogs selects logrus's JSON formatter over its text one.
	JSONLogs bool
}

const (
	envRootDir             = "PANCAKE_ROOT_DIR"
	envCompactionThreshold = "PANCAKE_COMPACTION_THRESHOLD"
	envMaxCommitRetries    = "PANCAKE_MAX_COMMIT_RETRIES"
	envMetricsAddr         = "PANCAKE_METRICS_ADDR"
	envJSONLogs            = "PANCAKE_JSON_LOGS"
)

// FromEnv builds a Config from environment variables, defaulting anything
// unset. With PANCAKE_ROOT_DIR unset, RootDir defaults to a "pancake"
// directory under os.TempDir(); callers may overwrite cfg.RootDir after.
func FromEnv() (Config, error) {
	cfg := Config{
		RootDir:             os.Getenv(envRootDir),
		CompactionThreshold: 4,
		MaxCommitRetries:    3,
		MetricsAddr:         os.Getenv(envMetricsAddr),
	}
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(os.TempDir(), "pancake")
	}

	if v := os.Getenv(envCompactionThreshold); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", envCompactionThreshold)
		}
		cfg.CompactionThreshold = n
	}
	if v := os.Getenv(envMaxCommitRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", envMaxCommitRetries)
		}
		cfg.MaxCommitRetries = n
	}
	if v := os.Getenv(envJSONLogs); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", envJSONLogs)
		}
		cfg.JSONLogs = b
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RootDir == "" {
		return errors.New("config: RootDir must be set")
	}
	if c.CompactionThreshold < 2 {
		return errors.New("config: CompactionThreshold must be at least 2")
	}
	return nil
}
