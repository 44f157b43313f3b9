// Package dbstate holds the engine-wide state a transaction or the F+C
// worker consults outside of the unit list itself: persisted monotonic
// counters, the secondary-index registry, and the signal channels that
// wake the F+C event loop.
package dbstate

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// PersistedCounter is a monotonically increasing counter (CommitVer,
// ListVer, or ScndIdxNum) whose every increment is fsynced to disk before
// being handed to the caller: a crash can never leave an in-memory
// counter value higher than what's durable, because the durable write
// happens first.
type PersistedCounter struct {
	mu    sync.Mutex
	path  string
	value uint64
}

func LoadOrNewPersistedCounter(path string) (*PersistedCounter, error) {
	c := &PersistedCounter{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "read persisted counter %s", path)
	}
	if len(b) != 8 {
		return nil, errors.Errorf("persisted counter %s has corrupt length %d", path, len(b))
	}
	c.value = binary.BigEndian.Uint64(b)
	return c, nil
}

// Next persists value+1 (via a temp-file-then-rename) before updating and
// returning the new in-memory value.
func (c *PersistedCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.value + 1
	if err := c.persist(next); err != nil {
		return 0, err
	}
	c.value = next
	return next, nil
}

func (c *PersistedCounter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *PersistedCounter) persist(v uint64) error {
	tmp := c.path + ".tmp"
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir counter dir")
	}
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create counter temp file")
	}
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return errors.Wrap(err, "write counter temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync counter temp file")
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, c.path), "rename counter file")
}
