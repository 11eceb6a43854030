package column

import (
	"slices"
	"time"

	"github.com/streamview/streamview/pkg/types"
)

// CellChange records one overwritten cell.
type CellChange struct {
	Column int
	Old    interface{}
	New    interface{}
}

// Store is a set of equal-length columns laid out per a fixed schema.
type Store struct {
	schema types.Schema
	cols   []*Column
	rows   int
}

// NewStore creates an empty store for the schema.
func NewStore(schema types.Schema) *Store {
	s := &Store{schema: schema.Clone()}
	s.cols = make([]*Column, len(schema.Columns))
	for i, def := range schema.Columns {
		s.cols[i] = newColumn(def)
	}
	return s
}

// Schema returns the store's schema.
func (s *Store) Schema() types.Schema { return s.schema }

// Len returns the row count shared by every column.
func (s *Store) Len() int { return s.rows }

// Columns returns the columns in schema order. Callers must not mutate them.
func (s *Store) Columns() []*Column { return s.cols }

// Column returns the named column.
func (s *Store) Column(name string) (*Column, bool) {
	_, i, ok := s.schema.Lookup(name)
	if !ok {
		return nil, false
	}
	return s.cols[i], true
}

// Value returns the cell at (row, col).
func (s *Store) Value(row, col int) interface{} {
	return s.cols[col].Get(row)
}

// Row returns every cell of a row in schema order.
func (s *Store) Row(row int) []interface{} {
	out := make([]interface{}, len(s.cols))
	for i, c := range s.cols {
		out[i] = c.Get(row)
	}
	return out
}

// Append adds rows of canonical values in schema order. Unset cells are
// stored as null.
func (s *Store) Append(rows [][]interface{}) {
	for _, row := range rows {
		for i, c := range s.cols {
			var v interface{}
			if i < len(row) && !IsUnset(row[i]) {
				v = row[i]
			}
			c.append(v)
		}
	}
	s.rows += len(rows)
}

// Write overwrites the set cells of one row in place and returns the cells
// whose value actually changed.
func (s *Store) Write(row int, values []interface{}) []CellChange {
	var changes []CellChange
	for i, v := range values {
		if i >= len(s.cols) || IsUnset(v) {
			continue
		}
		old := s.cols[i].Get(row)
		if Equal(old, v) {
			continue
		}
		s.cols[i].set(row, v)
		changes = append(changes, CellChange{Column: i, Old: old, New: v})
	}
	return changes
}

// DeleteRows removes rows by position in one compacting pass per column.
func (s *Store) DeleteRows(positions []int) {
	if len(positions) == 0 {
		return
	}
	sorted := slices.Clone(positions)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for len(sorted) > 0 && sorted[len(sorted)-1] >= s.rows {
		sorted = sorted[:len(sorted)-1]
	}
	for _, c := range s.cols {
		c.deleteRows(sorted)
	}
	s.rows -= len(sorted)
}

// Equal compares two canonical cell values.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

// Export converts a canonical value to its JSON representation: dates and
// datetimes become epoch milliseconds.
func Export(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return v
}
