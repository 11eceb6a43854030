package observability

import (
	"sort"
	"sync"
	"time"
)

// ViewStats tracks how often columns are used as pivots and filters by the
// views created against the engine. It backs the /v1/stats endpoint.
type ViewStats struct {
	mu      sync.RWMutex
	filters map[string]*ColumnStats
	pivots  map[string]*ColumnStats
	window  time.Duration
}

// ColumnStats holds usage statistics for one table column.
type ColumnStats struct {
	Column    string         `json:"column"`
	Frequency int64          `json:"frequency"`
	LastSeen  time.Time      `json:"last_seen"`
	Operators map[string]int `json:"operators,omitempty"` // filter operator → count
}

// NewViewStats creates a tracker whose entries expire after window.
func NewViewStats(window time.Duration) *ViewStats {
	return &ViewStats{
		filters: make(map[string]*ColumnStats),
		pivots:  make(map[string]*ColumnStats),
		window:  window,
	}
}

// RecordFilter records one filter predicate on column (e.g. "price", ">").
func (v *ViewStats) RecordFilter(column, operator string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	stats := entry(v.filters, column)
	stats.Operators[operator]++
}

// RecordPivot records a group_by or split_by column.
func (v *ViewStats) RecordPivot(column string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry(v.pivots, column)
}

func entry(m map[string]*ColumnStats, column string) *ColumnStats {
	stats, ok := m[column]
	if !ok {
		stats = &ColumnStats{Column: column, Operators: make(map[string]int)}
		m[column] = stats
	}
	stats.Frequency++
	stats.LastSeen = time.Now()
	return stats
}

// TopFilters returns the n most filtered columns, most frequent first.
func (v *ViewStats) TopFilters(n int) []ColumnStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return top(v.filters, n)
}

// TopPivots returns the n most pivoted columns, most frequent first.
func (v *ViewStats) TopPivots(n int) []ColumnStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return top(v.pivots, n)
}

func top(m map[string]*ColumnStats, n int) []ColumnStats {
	if n <= 0 || len(m) == 0 {
		return []ColumnStats{}
	}
	stats := make([]ColumnStats, 0, len(m))
	for _, s := range m {
		cp := *s
		cp.Operators = make(map[string]int, len(s.Operators))
		for op, count := range s.Operators {
			cp.Operators[op] = count
		}
		stats = append(stats, cp)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})
	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune drops entries not seen within the window.
func (v *ViewStats) Prune() {
	v.mu.Lock()
	defer v.mu.Unlock()
	threshold := time.Now().Add(-v.window)
	for col, stats := range v.filters {
		if stats.LastSeen.Before(threshold) {
			delete(v.filters, col)
		}
	}
	for col, stats := range v.pivots {
		if stats.LastSeen.Before(threshold) {
			delete(v.pivots, col)
		}
	}
}
