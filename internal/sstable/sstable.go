// Package sstable implements the immutable, sorted, on-disk segment: a
// sparse in-memory index over a sorted (K, codec.Value) file, with
// binary-search-then-bounded-scan lookups and clipped range iteration.
// Records are length-prefixed binary rather than delimited text, since
// primary and secondary keys are tuples, not delimiter-safe strings. No
// bloom filter is carried in this package — see DESIGN.md.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/pancake-db/ssi-engine/internal/codec"
)

// sparseEvery controls the index density: one sparse-index entry is kept
// per this many records.
const sparseEvery = 16

var magic = [8]byte{'P', 'S', 'S', 'T', 1, 0, 0, 0}

// KeyCodec is shared with the memlog package's notion of a pluggable key;
// duplicated here (rather than imported) to keep sstable decoupled from
// memlog's WAL framing.
type KeyCodec[K any] struct {
	Less   func(a, b K) bool
	Encode func(k K) ([]byte, error)
	Decode func(b []byte) (K, error)
}

type indexEntry struct {
	keyBytes []byte
	offset   int64
}

// Writer appends already-sorted (key, value) entries and, on Finalize,
// writes the sparse index and footer. Callers guarantee sortedness.
type Writer[K any] struct {
	file       *os.File
	w          *bufio.Writer
	kc         KeyCodec[K]
	dataOffset int64
	index      []indexEntry
	count      int
}

func NewWriter[K any](path string, kc KeyCodec[K]) (*Writer[K], error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create sstable")
	}
	return &Writer[K]{file: f, w: bufio.NewWriter(f), kc: kc}, nil
}

func (w *Writer[K]) Append(key K, val codec.Value) error {
	keyBytes, err := w.kc.Encode(key)
	if err != nil {
		return errors.Wrap(err, "encode key")
	}
	var valBuf bytes.Buffer
	if err := codec.EncodeValue(&valBuf, val); err != nil {
		return errors.Wrap(err, "encode value")
	}
	valBytes := valBuf.Bytes()

	if w.count%sparseEvery == 0 {
		w.index = append(w.index, indexEntry{keyBytes: append([]byte(nil), keyBytes...), offset: w.dataOffset})
	}

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(keyBytes)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(valBytes)))
	n1, err := w.w.Write(hdr[:])
	if err != nil {
		return err
	}
	n2, err := w.w.Write(keyBytes)
	if err != nil {
		return err
	}
	n3, err := w.w.Write(valBytes)
	if err != nil {
		return err
	}
	w.dataOffset += int64(n1 + n2 + n3)
	w.count++
	return nil
}

func (w *Writer[K]) Finalize() error {
	indexOffset := w.dataOffset
	for _, e := range w.index {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.keyBytes)))
		if _, err := w.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.w.Write(e.keyBytes); err != nil {
			return err
		}
		var offBuf [8]byte
		binary.BigEndian.PutUint64(offBuf[:], uint64(e.offset))
		if _, err := w.w.Write(offBuf[:]); err != nil {
			return err
		}
	}

	var footer [8 + 8 + 8]byte
	binary.BigEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.BigEndian.PutUint64(footer[8:16], uint64(len(w.index)))
	copy(footer[16:24], magic[:])
	if _, err := w.w.Write(footer[:]); err != nil {
		return err
	}

	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush sstable")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "fsync sstable")
	}
	return w.file.Close()
}

// Reader serves point and range lookups against an immutable on-disk
// SSTable.
type Reader[K any] struct {
	path       string
	file       *os.File
	kc         KeyCodec[K]
	index      []indexEntry
	indexStart int64
}

func Load[K any](path string, kc KeyCodec[K]) (*Reader[K], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sstable")
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	const footerLen = 24
	if stat.Size() < footerLen {
		f.Close()
		return nil, errors.New("sstable truncated: missing footer")
	}
	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, stat.Size()-footerLen); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read footer")
	}
	if !bytes.Equal(footer[16:24], magic[:]) {
		f.Close()
		return nil, errors.New("sstable has invalid magic")
	}
	indexOffset := int64(binary.BigEndian.Uint64(footer[0:8]))
	indexCount := binary.BigEndian.Uint64(footer[8:16])

	r := &Reader[K]{path: path, file: f, kc: kc, indexStart: indexOffset}
	if _, err := f.Seek(indexOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	br := bufio.NewReader(f)
	for i := uint64(0); i < indexCount; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "read index key length")
		}
		keyLen := binary.BigEndian.Uint32(lenBuf[:])
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(br, keyBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "read index key")
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(br, offBuf[:]); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "read index offset")
		}
		r.index = append(r.index, indexEntry{keyBytes: keyBytes, offset: int64(binary.BigEndian.Uint64(offBuf[:]))})
	}
	return r, nil
}

func (r *Reader[K]) Path() string { return r.path }

func (r *Reader[K]) Close() error { return r.file.Close() }

// RemoveFile closes and deletes the backing file, used by F+C when
// replacing compacted-away units.
func (r *Reader[K]) RemoveFile() error {
	if err := r.Close(); err != nil {
		return err
	}
	return os.Remove(r.path)
}

// seekFloorOffset returns the data-section byte offset to begin a bounded
// scan from, for the sparse index entry whose key is <= target (or 0 if
// target precedes every index entry).
func (r *Reader[K]) seekFloorOffset(targetBytes []byte) int64 {
	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].keyBytes, targetBytes) > 0
	})
	if idx == 0 {
		return 0
	}
	return r.index[idx-1].offset
}

func (r *Reader[K]) readRecordAt(offset int64) (keyBytes, valBytes []byte, next int64, err error) {
	hdr := make([]byte, 8)
	if _, err := r.file.ReadAt(hdr, offset); err != nil {
		return nil, nil, 0, err
	}
	keyLen := binary.BigEndian.Uint32(hdr[0:4])
	valLen := binary.BigEndian.Uint32(hdr[4:8])
	keyBytes = make([]byte, keyLen)
	if _, err := r.file.ReadAt(keyBytes, offset+8); err != nil {
		return nil, nil, 0, err
	}
	valBytes = make([]byte, valLen)
	if _, err := r.file.ReadAt(valBytes, offset+8+int64(keyLen)); err != nil {
		return nil, nil, 0, err
	}
	next = offset + 8 + int64(keyLen) + int64(valLen)
	return keyBytes, valBytes, next, nil
}

// GetOne performs the sparse-index binary search followed by a bounded
// linear scan.
func (r *Reader[K]) GetOne(key K) (codec.Value, bool, error) {
	keyBytes, err := r.kc.Encode(key)
	if err != nil {
		return codec.Value{}, false, err
	}
	offset := r.seekFloorOffset(keyBytes)
	for i := 0; i < sparseEvery*4; i++ { // bounded scan, generous slack
		if offset >= r.indexStart {
			return codec.Value{}, false, nil
		}
		kb, vb, next, err := r.readRecordAt(offset)
		if err != nil {
			return codec.Value{}, false, nil
		}
		c := bytes.Compare(kb, keyBytes)
		if c == 0 {
			v, err := codec.DecodeValue(bytes.NewReader(vb))
			return v, err == nil, err
		}
		if c > 0 {
			return codec.Value{}, false, nil
		}
		offset = next
	}
	return codec.Value{}, false, nil
}

// Iterator walks records in ascending key order, clipped to [lo, hi].
type Iterator[K any] struct {
	r      *Reader[K]
	offset int64
	lo, hi *K
	done   bool
	key    K
	val    codec.Value
}

// GetRange returns a lazy iterator clipped to [lo, hi]. The sparse index
// only narrows the scan's starting point to the floor
// entry at or before lo, so Next still has to skip any records between
// that floor and lo itself.
func (r *Reader[K]) GetRange(lo, hi *K) *Iterator[K] {
	var startOffset int64
	if lo != nil {
		loBytes, _ := r.kc.Encode(*lo)
		startOffset = r.seekFloorOffset(loBytes)
	}
	return &Iterator[K]{r: r, offset: startOffset, lo: lo, hi: hi}
}

// GetAllKeys returns a lazy key-only stream across the whole table, used
// for conflict detection without materializing values.
func (r *Reader[K]) GetAllKeys() *Iterator[K] {
	return &Iterator[K]{r: r, offset: 0}
}

func (it *Iterator[K]) Next() bool {
	for {
		if it.done {
			return false
		}
		if it.offset >= it.r.indexStart {
			it.done = true
			return false
		}
		kb, vb, next, err := it.r.readRecordAt(it.offset)
		if err != nil {
			it.done = true
			return false
		}
		key, err := it.r.kc.Decode(kb)
		if err != nil {
			it.done = true
			return false
		}
		if it.hi != nil && it.r.kc.Less(*it.hi, key) {
			it.done = true
			return false
		}
		it.offset = next
		if it.lo != nil && it.r.kc.Less(key, *it.lo) {
			continue
		}
		val, err := codec.DecodeValue(bytes.NewReader(vb))
		if err != nil {
			it.done = true
			return false
		}
		it.key, it.val = key, val
		return true
	}
}

func (it *Iterator[K]) Key() K            { return it.key }
func (it *Iterator[K]) Value() codec.Value { return it.val }
