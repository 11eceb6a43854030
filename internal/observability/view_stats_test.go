package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFilterConcurrent(t *testing.T) {
	vs := NewViewStats(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				vs.RecordFilter("price", ">")
				vs.RecordFilter("name", "==")
				vs.RecordPivot("sector")
			}
		}()
	}
	wg.Wait()

	top := vs.TopFilters(10)
	require.Len(t, top, 2)
	for _, s := range top {
		assert.Equal(t, int64(1000), s.Frequency, s.Column)
	}
	pivots := vs.TopPivots(5)
	require.Len(t, pivots, 1)
	assert.Equal(t, "sector", pivots[0].Column)
}

func TestTopFiltersOrdering(t *testing.T) {
	vs := NewViewStats(time.Hour)
	for i := 0; i < 3; i++ {
		vs.RecordFilter("a", "==")
	}
	for i := 0; i < 7; i++ {
		vs.RecordFilter("b", "in")
	}
	vs.RecordFilter("b", "==")

	top := vs.TopFilters(1)
	require.Len(t, top, 1)
	assert.Equal(t, "b", top[0].Column)
	assert.Equal(t, map[string]int{"in": 7, "==": 1}, top[0].Operators)

	top[0].Operators["in"] = 0
	assert.Equal(t, 7, vs.TopFilters(1)[0].Operators["in"], "returned stats must be copies")
	assert.Empty(t, vs.TopFilters(0))
}

func TestPrune(t *testing.T) {
	vs := NewViewStats(10 * time.Millisecond)
	vs.RecordFilter("old", "==")
	vs.RecordPivot("old")
	time.Sleep(20 * time.Millisecond)
	vs.RecordFilter("new", "==")

	vs.Prune()

	top := vs.TopFilters(10)
	require.Len(t, top, 1)
	assert.Equal(t, "new", top[0].Column)
	assert.Empty(t, vs.TopPivots(10))
}
