package rbtree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func TestTree_PutGetDelete(t *testing.T) {
	tr := New[int, string](intLess)
	tr.Put(3, "three")
	tr.Put(1, "one")
	tr.Put(2, "two")

	v, ok := tr.Get(2)
	require.True(t, ok)
	assert.Equal(t, "two", v)

	assert.True(t, tr.Delete(2))
	_, ok = tr.Get(2)
	assert.False(t, ok)
	assert.False(t, tr.Delete(2))
}

func TestTree_OverwriteExistingKey(t *testing.T) {
	tr := New[int, string](intLess)
	tr.Put(1, "a")
	tr.Put(1, "b")
	assert.Equal(t, 1, tr.Len())
	v, _ := tr.Get(1)
	assert.Equal(t, "b", v)
}

func TestTree_RangeAscendingOrder(t *testing.T) {
	tr := New[int, int](intLess)
	keys := []int{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, k := range keys {
		tr.Put(k, k*10)
	}

	var got []int
	tr.All(func(k int, v int) bool {
		got = append(got, k)
		return true
	})
	assert.True(t, sort.IntsAreSorted(got))
	assert.Len(t, got, 10)
}

func TestTree_RangeBounds(t *testing.T) {
	tr := New[int, int](intLess)
	for i := 0; i < 20; i++ {
		tr.Put(i, i)
	}
	lo, hi := 5, 10
	var got []int
	tr.Range(&lo, &hi, func(k int, v int) bool {
		got = append(got, k)
		return true
	})
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10}, got)
}

func TestTree_RangeOpenEnded(t *testing.T) {
	tr := New[int, int](intLess)
	for i := 0; i < 5; i++ {
		tr.Put(i, i)
	}
	hi := 2
	var got []int
	tr.Range(nil, &hi, func(k int, v int) bool {
		got = append(got, k)
		return true
	})
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestTree_RandomizedAgainstMap(t *testing.T) {
	tr := New[int, int](intLess)
	reference := map[int]int{}
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		k := r.Intn(200)
		if r.Intn(3) == 0 {
			delete(reference, k)
			tr.Delete(k)
		} else {
			reference[k] = k
			tr.Put(k, k)
		}
	}

	assert.Equal(t, len(reference), tr.Len())
	for k, want := range reference {
		got, ok := tr.Get(k)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}
