package memlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// record framing: [checksum:4][keyLen:4][key...][valLen:4][val...].
// Operates on pre-encoded byte payloads so any codec.Datum-keyed memlog
// can share one WAL implementation.
type walFile struct {
	file   *os.File
	writer *bufio.Writer
	path   string
}

func openWAL(path string) (*walFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	return &walFile{file: f, writer: bufio.NewWriter(f), path: path}, nil
}

func (w *walFile) append(keyBytes, valBytes []byte) error {
	keyLen := uint32(len(keyBytes))
	valLen := uint32(len(valBytes))

	buf := make([]byte, 0, 12+keyLen+valLen)
	buf = append(buf, 0, 0, 0, 0) // checksum placeholder
	buf = binary.BigEndian.AppendUint32(buf, keyLen)
	buf = append(buf, keyBytes...)
	buf = binary.BigEndian.AppendUint32(buf, valLen)
	buf = append(buf, valBytes...)

	checksum := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], checksum)

	if _, err := w.writer.Write(buf); err != nil {
		return errors.Wrap(err, "write wal record")
	}
	return nil
}

// flush is the durability boundary: after it returns, every appended
// record is recoverable by replay alone.
func (w *walFile) flush() error {
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush wal writer")
	}
	return errors.Wrap(w.file.Sync(), "fsync wal")
}

func (w *walFile) close() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// clear flushes pending writes, truncates the WAL file and rewinds it.
// This is not atomic with respect to a crash. WritableMemLog.Clear empties
// the in-memory map only after clear succeeds, so a crash before the
// truncate completes leaves a file whose replay restores entries the map
// still held; callers must treat a failed truncation as fatal for this
// segment rather than attempt to reconcile divergent state.
func (w *walFile) clear() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek wal")
	}
	w.writer.Reset(w.file)
	return nil
}

// replay streams back (keyBytes, valBytes) pairs in append order for
// load() to rebuild the in-memory map.
func replayWAL(path string, onRecord func(keyBytes, valBytes []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "open wal for replay")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var checksumBuf [4]byte
		if _, err := io.ReadFull(r, checksumBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			// A partial trailing record (from a crash mid-append) is not
			// fatal: everything durable up to this point was already
			// recovered.
			return nil
		}
		expected := binary.BigEndian.Uint32(checksumBuf[:])

		var keyLenBuf [4]byte
		if _, err := io.ReadFull(r, keyLenBuf[:]); err != nil {
			return nil
		}
		keyLen := binary.BigEndian.Uint32(keyLenBuf[:])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil
		}

		var valLenBuf [4]byte
		if _, err := io.ReadFull(r, valLenBuf[:]); err != nil {
			return nil
		}
		valLen := binary.BigEndian.Uint32(valLenBuf[:])
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil
		}

		check := make([]byte, 0, 8+keyLen+valLen)
		check = append(check, keyLenBuf[:]...)
		check = append(check, key...)
		check = append(check, valLenBuf[:]...)
		check = append(check, val...)
		if crc32.ChecksumIEEE(check) != expected {
			return errors.New("wal checksum mismatch, truncating replay")
		}

		if err := onRecord(key, val); err != nil {
			return err
		}
	}
}
