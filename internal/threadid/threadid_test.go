package threadid

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/envhost/internal/check"
)

func TestNextStartsAtZero(t *testing.T) {
	a := New()
	assert.Equal(t, ThreadID(0), a.Next())
	assert.Equal(t, ThreadID(1), a.Next())
	assert.Equal(t, ThreadID(2), a.Peek())
}

func TestAllocatorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Next()
	a.Next()
	assert.Equal(t, ThreadID(0), b.Next())
}

func TestConcurrentIssuanceIsDistinct(t *testing.T) {
	a := New()
	const (
		goroutines = 16
		perG       = 1000
	)

	results := make([][]ThreadID, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ids := make([]ThreadID, 0, perG)
			for i := 0; i < perG; i++ {
				ids = append(ids, a.Next())
			}
			results[g] = ids
		}(g)
	}
	wg.Wait()

	seen := make(map[ThreadID]struct{}, goroutines*perG)
	all := make([]ThreadID, 0, goroutines*perG)
	for _, ids := range results {
		// each caller observes its own ids in increasing order
		assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }))
		for _, id := range ids {
			require.True(t, id.Valid())
			_, dup := seen[id]
			require.False(t, dup, "id %s issued twice", id)
			seen[id] = struct{}{}
			all = append(all, id)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	assert.Equal(t, ThreadID(0), all[0])
	assert.Equal(t, ThreadID(goroutines*perG-1), all[len(all)-1])
}

func TestSentinelIsNeverIssued(t *testing.T) {
	a := New()
	a.next.Store(uint64(Invalid) - 1)

	assert.Equal(t, Invalid-1, a.Next())
	v := check.Recover(func() { a.Next() })
	require.NotNil(t, v)
	assert.Equal(t, "threadid.next", v.Op)
}

func TestThreadIDString(t *testing.T) {
	assert.Equal(t, "42", ThreadID(42).String())
	assert.Equal(t, "invalid", Invalid.String())
	assert.False(t, Invalid.Valid())
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
