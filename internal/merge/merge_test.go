package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pancake-db/ssi-engine/internal/codec"
)

func intLess(a, b int) bool { return a < b }

type intEntry struct {
	k int
	v codec.Value
}

func sourceFrom(entries []intEntry) Source[int] {
	var out []SliceEntry[int]
	for _, e := range entries {
		out = append(out, SliceEntry[int]{Key: e.k, Val: e.v})
	}
	return FromSlice(out)
}

func drain(m *Merger[int]) []intEntry {
	var out []intEntry
	DrainInto(m, func(k int, v ValueLike) bool {
		out = append(out, intEntry{k: k, v: v.(codec.Value)})
		return true
	})
	return out
}

func TestMerge_NewerWins(t *testing.T) {
	newer := sourceFrom([]intEntry{{1, codec.Live(codec.FromStr("new"))}})
	older := sourceFrom([]intEntry{{1, codec.Live(codec.FromStr("old"))}, {2, codec.Live(codec.FromStr("only-old"))}})

	m := New(intLess, []Source[int]{newer, older}, false)
	got := drain(m)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].v.Datum.Str)
	assert.Equal(t, "only-old", got[1].v.Datum.Str)
}

func TestMerge_TombstonePropagatesByDefault(t *testing.T) {
	newer := sourceFrom([]intEntry{{1, codec.Tombstone()}})
	older := sourceFrom([]intEntry{{1, codec.Live(codec.FromInt(5))}})

	m := New(intLess, []Source[int]{newer, older}, false)
	got := drain(m)
	require.Len(t, got, 1)
	assert.True(t, got[0].v.IsTombstone())
}

func TestMerge_DropTombstonesWhenCompactingToTail(t *testing.T) {
	newer := sourceFrom([]intEntry{{1, codec.Tombstone()}})
	older := sourceFrom([]intEntry{{1, codec.Live(codec.FromInt(5))}, {2, codec.Live(codec.FromInt(9))}})

	m := New(intLess, []Source[int]{newer, older}, true)
	got := drain(m)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].k)
}

func TestMerge_AscendingAcrossManySources(t *testing.T) {
	a := sourceFrom([]intEntry{{5, codec.Live(codec.FromInt(5))}})
	b := sourceFrom([]intEntry{{1, codec.Live(codec.FromInt(1))}, {9, codec.Live(codec.FromInt(9))}})
	c := sourceFrom([]intEntry{{3, codec.Live(codec.FromInt(3))}})

	m := New(intLess, []Source[int]{a, b, c}, false)
	got := drain(m)
	var keys []int
	for _, e := range got {
		keys = append(keys, e.k)
	}
	assert.Equal(t, []int{1, 3, 5, 9}, keys)
}
