package itvset

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pancake-db/ssi-engine/internal/codec"
)

type sliceKeyStream struct {
	keys []codec.Datum
	i    int
}

func (s *sliceKeyStream) Next() bool {
	s.i++
	return s.i < len(s.keys)
}
func (s *sliceKeyStream) Key() codec.Datum { return s.keys[s.i] }

func newStream(keys ...int64) *sliceKeyStream {
	s := &sliceKeyStream{i: -1}
	for _, k := range keys {
		s.keys = append(s.keys, codec.FromInt(k))
	}
	return s
}

func TestSet_OverlapsPointWithinInterval(t *testing.T) {
	s := New()
	lo, hi := codec.FromInt(5), codec.FromInt(10)
	s.Add(&lo, &hi)
	assert.True(t, s.Overlaps(newStream(1, 2, 7, 20)))
}

func TestSet_NoOverlapWhenDisjoint(t *testing.T) {
	s := New()
	lo, hi := codec.FromInt(5), codec.FromInt(10)
	s.Add(&lo, &hi)
	assert.False(t, s.Overlaps(newStream(1, 2, 3, 20, 30)))
}

func TestSet_OpenEndedLo(t *testing.T) {
	s := New()
	hi := codec.FromInt(3)
	s.Add(nil, &hi)
	assert.True(t, s.Overlaps(newStream(-100, 3)))
	assert.False(t, s.Overlaps(newStream(4, 5)))
}

func TestSet_OpenEndedHi(t *testing.T) {
	s := New()
	lo := codec.FromInt(100)
	s.Add(&lo, nil)
	assert.True(t, s.Overlaps(newStream(1, 2, 100)))
	assert.False(t, s.Overlaps(newStream(1, 2, 99)))
}

func TestSet_Point(t *testing.T) {
	s := New()
	s.AddPoint(codec.FromInt(42))
	assert.True(t, s.Overlaps(newStream(1, 42, 100)))
	assert.False(t, s.Overlaps(newStream(1, 2, 100)))
}

func TestSet_IncomparableNeverOverlaps(t *testing.T) {
	s := New()
	lo, hi := codec.FromInt(1), codec.FromInt(10)
	s.Add(&lo, &hi)

	strStream := &sliceKeyStream{keys: []codec.Datum{codec.FromStr("5")}, i: -1}
	assert.False(t, s.Overlaps(strStream))
}
