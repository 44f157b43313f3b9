// Package memlog implements the writable memlog: an
// ordered in-memory map from K to codec.Value (possibly a tombstone)
// backed by an append-only log file, generalized to any codec.Datum-
// derived key via an injected comparator and (de)serializer pair, since
// pancake keys are tuples and (SV, PK) pairs rather than Go-native
// orderable types.
package memlog

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/rbtree"
)

// KeyCodec lets a memlog serialize/deserialize/compare an arbitrary key
// type K (codec.Datum for a primary memlog, codec.SVPK for a secondary
// one).
type KeyCodec[K any] struct {
	Less    func(a, b K) bool
	Encode  func(k K) ([]byte, error)
	Decode  func(b []byte) (K, error)
}

// WritableMemLog is the staging-unit-owned, mutable memlog: an ordered
// map paired with an append-only log file.
type WritableMemLog[K any] struct {
	kc   KeyCodec[K]
	tree *rbtree.Tree[K, codec.Value]
	wal  *walFile
	path string
}

func LoadOrNewWritable[K any](path string, kc KeyCodec[K]) (*WritableMemLog[K], error) {
	wal, err := openWAL(path)
	if err != nil {
		return nil, err
	}
	m := &WritableMemLog[K]{
		kc:   kc,
		tree: rbtree.New[K, codec.Value](kc.Less),
		wal:  wal,
		path: path,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *WritableMemLog[K]) load() error {
	return replayWAL(m.path, func(keyBytes, valBytes []byte) error {
		key, err := m.kc.Decode(keyBytes)
		if err != nil {
			return errors.Wrap(err, "decode replayed key")
		}
		val, err := codec.DecodeValue(bytes.NewReader(valBytes))
		if err != nil {
			return errors.Wrap(err, "decode replayed value")
		}
		m.tree.Put(key, val)
		return nil
	})
}

// Put appends the record to the log and updates the in-memory map.
// Durable recoverability requires a subsequent Flush.
func (m *WritableMemLog[K]) Put(key K, val codec.Value) error {
	keyBytes, err := m.kc.Encode(key)
	if err != nil {
		return errors.Wrap(err, "encode key")
	}
	var valBuf bytes.Buffer
	if err := codec.EncodeValue(&valBuf, val); err != nil {
		return errors.Wrap(err, "encode value")
	}
	if err := m.wal.append(keyBytes, valBuf.Bytes()); err != nil {
		return err
	}
	m.tree.Put(key, val)
	return nil
}

func (m *WritableMemLog[K]) Flush() error {
	return m.wal.flush()
}

// Clear truncates the log and empties the map; see wal.go's clear() for
// the crash-safety contract.
func (m *WritableMemLog[K]) Clear() error {
	if err := m.wal.clear(); err != nil {
		return err
	}
	m.tree = rbtree.New[K, codec.Value](m.kc.Less)
	return nil
}

func (m *WritableMemLog[K]) Close() error {
	return m.wal.close()
}

func (m *WritableMemLog[K]) GetOne(key K) (codec.Value, bool) {
	return m.tree.Get(key)
}

func (m *WritableMemLog[K]) GetRange(lo, hi *K, visit func(K, codec.Value) bool) {
	m.tree.Range(lo, hi, visit)
}

// GetAllKeys streams every key in ascending order; used by the conflict
// check and by the F+C worker's compaction merge.
func (m *WritableMemLog[K]) GetAllKeys(visit func(K) bool) {
	m.tree.All(func(k K, _ codec.Value) bool { return visit(k) })
}

func (m *WritableMemLog[K]) Len() int { return m.tree.Len() }

// Path exposes the backing log file path, needed when a staging unit's
// memlog becomes the source material for an SSTable flush.
func (m *WritableMemLog[K]) Path() string { return m.path }

// RemoveFile deletes the backing log file; used when a staging unit's
// transaction is aborted.
func (m *WritableMemLog[K]) RemoveFile() error {
	if err := m.Close(); err != nil {
		return err
	}
	return os.Remove(m.path)
}
