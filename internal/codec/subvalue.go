package codec

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// SubValueSpec addresses a projection into a tuple-shaped primary value:
// a path of {2, 0} means "field 0 of the tuple nested at field 2".
type SubValueSpec struct {
	Path []int
}

func NewSubValueSpec(path ...int) SubValueSpec {
	return SubValueSpec{Path: append([]int(nil), path...)}
}

// Project extracts the sub-value addressed by the spec from a PV. It
// returns false if the PV doesn't have the tuple shape the path demands
// (e.g. shorter tuple, or a non-tuple at an intermediate step).
func (s SubValueSpec) Project(pv Datum) (Datum, bool) {
	cur := pv
	for _, idx := range s.Path {
		if cur.Kind != KindTuple || idx < 0 || idx >= len(cur.Tuple) {
			return Datum{}, false
		}
		cur = cur.Tuple[idx]
	}
	return cur, true
}

func (s SubValueSpec) Equal(other SubValueSpec) bool {
	if len(s.Path) != len(other.Path) {
		return false
	}
	for i := range s.Path {
		if s.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

// Key renders the spec as a comparable map key for the secondary-index
// registry (dbstate).
func (s SubValueSpec) Key() string {
	b := make([]byte, 0, len(s.Path)*2)
	for _, p := range s.Path {
		b = append(b, byte(p>>8), byte(p))
	}
	return string(b)
}

// SVPK is a secondary-index key: the pair (SV, PK), ordered
// lexicographically by SV then PK.
type SVPK struct {
	SV Datum
	PK Datum
}

// CompareSVPK orders first by SV then by PK. An incomparable SV pair
// makes the whole pair incomparable; this is sound because the
// projection feeding any one secondary index is guaranteed to produce
// SVs of a single, internally totally-ordered Kind.
func CompareSVPK(a, b SVPK) (int, bool) {
	c, ok := Compare(a.SV, b.SV)
	if !ok {
		return 0, false
	}
	if c != 0 {
		return c, true
	}
	return Compare(a.PK, b.PK)
}

func LessSVPK(a, b SVPK) bool {
	c, ok := CompareSVPK(a, b)
	return ok && c < 0
}

// EncodeSVPK/DecodeSVPK give the memlog/sstable layers a KeyCodec for
// chains keyed by (SV, PK) rather than by a bare Datum.
func EncodeSVPK(w io.Writer, k SVPK) error {
	if err := EncodeDatum(w, k.SV); err != nil {
		return err
	}
	return EncodeDatum(w, k.PK)
}

func DecodeSVPK(r io.Reader) (SVPK, error) {
	sv, err := DecodeDatum(r)
	if err != nil {
		return SVPK{}, err
	}
	pk, err := DecodeDatum(r)
	if err != nil {
		return SVPK{}, err
	}
	return SVPK{SV: sv, PK: pk}, nil
}

// EncodeSubValueSpec/DecodeSubValueSpec persist a SubValueSpec as the
// scnd_idxs/<hex16>/spec.datum file: a plain count-prefixed list of path
// components, reusing the same big-endian framing as a Datum int.
func EncodeSubValueSpec(w io.Writer, s SubValueSpec) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s.Path)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write sub-value spec arity")
	}
	for _, p := range s.Path {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(int64(p)))
		if _, err := w.Write(buf[:]); err != nil {
			return errors.Wrap(err, "write sub-value spec path element")
		}
	}
	return nil
}

func DecodeSubValueSpec(r io.Reader) (SubValueSpec, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return SubValueSpec{}, errors.Wrap(err, "read sub-value spec arity")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	path := make([]int, n)
	for i := range path {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return SubValueSpec{}, errors.Wrap(err, "read sub-value spec path element")
		}
		path[i] = int(int64(binary.BigEndian.Uint64(buf[:])))
	}
	return SubValueSpec{Path: path}, nil
}
