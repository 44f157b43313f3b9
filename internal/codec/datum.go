// Package codec implements the tagged scalar/tuple encoding that pancake's
// storage layers treat as an opaque, external concern. There is no wire
// protocol or RPC boundary here, so the encoding is built on the standard
// library's encoding/binary rather than a third-party codec library — see
// DESIGN.md.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Kind tags the shape of a Datum.
type Kind byte

const (
	KindNull Kind = iota
	KindInt
	KindStr
	KindBytes
	KindTuple
)

// Datum is an opaque, ordered, byte-encodable scalar or tuple. It plays
// the role of both primary key and primary value, and of a sub-value once
// projected through a SubValueSpec.
type Datum struct {
	Kind  Kind
	Int   int64
	Str   string
	Bytes []byte
	Tuple []Datum
}

func Null() Datum                { return Datum{Kind: KindNull} }
func FromInt(v int64) Datum      { return Datum{Kind: KindInt, Int: v} }
func FromStr(v string) Datum     { return Datum{Kind: KindStr, Str: v} }
func FromBytes(v []byte) Datum   { return Datum{Kind: KindBytes, Bytes: v} }
func FromTuple(vs ...Datum) Datum { return Datum{Kind: KindTuple, Tuple: vs} }

// Compare returns (cmp, true) when a and b are totally ordered relative to
// one another, and (0, false) when they are not comparable (differing
// Kind, or a tuple pair with an incomparable element at some position).
// Callers must treat the `false` case as "not less/not greater/not
// equal", never as a crash.
func Compare(a, b Datum) (int, bool) {
	if a.Kind != b.Kind {
		return 0, false
	}
	switch a.Kind {
	case KindNull:
		return 0, true
	case KindInt:
		switch {
		case a.Int < b.Int:
			return -1, true
		case a.Int > b.Int:
			return 1, true
		default:
			return 0, true
		}
	case KindStr:
		return compareOrdered(a.Str, b.Str), true
	case KindBytes:
		return bytes.Compare(a.Bytes, b.Bytes), true
	case KindTuple:
		n := len(a.Tuple)
		if len(b.Tuple) < n {
			n = len(b.Tuple)
		}
		for i := 0; i < n; i++ {
			c, ok := Compare(a.Tuple[i], b.Tuple[i])
			if !ok {
				return 0, false
			}
			if c != 0 {
				return c, true
			}
		}
		switch {
		case len(a.Tuple) < len(b.Tuple):
			return -1, true
		case len(a.Tuple) > len(b.Tuple):
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func compareOrdered(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less is a total-order comparator suitable for the rbtree/merge/itvset
// packages, which require a strict order over primary and sub-value keys.
// The primary key itself is totally ordered; only sub-value comparisons
// (used by the interval set over secondary keys) can return
// "incomparable", and there Compare must be consulted directly.
func Less(a, b Datum) bool {
	c, ok := Compare(a, b)
	return ok && c < 0
}

func Equal(a, b Datum) bool {
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Value is the physical representation of an optional primary value:
// either a tombstone or a live Datum.
type Value struct {
	Tombstone bool
	Datum     Datum
}

func Tombstone() Value          { return Value{Tombstone: true} }
func Live(d Datum) Value        { return Value{Datum: d} }
func (v Value) IsTombstone() bool { return v.Tombstone }

// Encode/Decode below implement a minimal self-describing binary format:
// [kind:1][payload...]. Ints are big-endian fixed-width; strings/bytes are
// length-prefixed; tuples are count-prefixed followed by recursively
// encoded elements.

func EncodeDatum(w io.Writer, d Datum) error {
	if _, err := w.Write([]byte{byte(d.Kind)}); err != nil {
		return errors.Wrap(err, "write datum kind")
	}
	switch d.Kind {
	case KindNull:
		return nil
	case KindInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(d.Int))
		_, err := w.Write(buf[:])
		return errors.Wrap(err, "write datum int")
	case KindStr:
		return writeLenPrefixed(w, []byte(d.Str))
	case KindBytes:
		return writeLenPrefixed(w, d.Bytes)
	case KindTuple:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(d.Tuple)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return errors.Wrap(err, "write tuple arity")
		}
		for _, elem := range d.Tuple {
			if err := EncodeDatum(w, elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("unknown datum kind %d", d.Kind)
	}
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write length prefix")
	}
	_, err := w.Write(b)
	return errors.Wrap(err, "write payload")
}

func DecodeDatum(r io.Reader) (Datum, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return Datum{}, err
	}
	kind := Kind(kindBuf[0])
	switch kind {
	case KindNull:
		return Datum{Kind: KindNull}, nil
	case KindInt:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Datum{}, errors.Wrap(err, "read datum int")
		}
		return Datum{Kind: KindInt, Int: int64(binary.BigEndian.Uint64(buf[:]))}, nil
	case KindStr:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Datum{}, err
		}
		return Datum{Kind: KindStr, Str: string(b)}, nil
	case KindBytes:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Datum{}, err
		}
		return Datum{Kind: KindBytes, Bytes: b}, nil
	case KindTuple:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Datum{}, errors.Wrap(err, "read tuple arity")
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		tuple := make([]Datum, n)
		for i := range tuple {
			elem, err := DecodeDatum(r)
			if err != nil {
				return Datum{}, err
			}
			tuple[i] = elem
		}
		return Datum{Kind: KindTuple, Tuple: tuple}, nil
	default:
		return Datum{}, errors.Errorf("unknown datum kind byte %d", kind)
	}
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read length prefix")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "read payload")
	}
	return b, nil
}

func EncodeValue(w io.Writer, v Value) error {
	if v.Tombstone {
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		return nil
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return EncodeDatum(w, v.Datum)
}

func DecodeValue(r io.Reader) (Value, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Value{}, err
	}
	if tag[0] == 1 {
		return Value{Tombstone: true}, nil
	}
	d, err := DecodeDatum(r)
	if err != nil {
		return Value{}, err
	}
	return Value{Datum: d}, nil
}

func (d Datum) String() string {
	switch d.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", d.Int)
	case KindStr:
		return d.Str
	case KindBytes:
		return fmt.Sprintf("%x", d.Bytes)
	case KindTuple:
		return fmt.Sprintf("%v", d.Tuple)
	default:
		return "<invalid>"
	}
}
