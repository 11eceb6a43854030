// Package column provides the dense, typed, in-memory column store that
// backs a table.
//
// Each Column keeps one typed slice for its values plus a validity bitmap
// (bit set = value present). All columns of a Store always have the same
// length; the Store is not safe for concurrent mutation and relies on the
// owning table for locking.
package column

import (
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/streamview/streamview/pkg/types"
)

// Column is a homogeneously typed sequence of values with a null bitmap.
type Column struct {
	def types.ColumnDef

	strs   []string
	ints   []int64
	floats []float64
	bools  []bool
	times  []time.Time

	valid bitset.BitSet
	n     int
}

func newColumn(def types.ColumnDef) *Column {
	return &Column{def: def}
}

// Name returns the column name.
func (c *Column) Name() string { return c.def.Name }

// Type returns the declared column type.
func (c *Column) Type() types.ColumnType { return c.def.Type }

// Def returns the column definition.
func (c *Column) Def() types.ColumnDef { return c.def }

// Len returns the number of rows.
func (c *Column) Len() int { return c.n }

// IsNull reports whether row i holds a null.
func (c *Column) IsNull(i int) bool {
	return !c.valid.Test(uint(i))
}

// Get returns the value at row i, or nil for null.
func (c *Column) Get(i int) interface{} {
	if i < 0 || i >= c.n || c.IsNull(i) {
		return nil
	}
	switch c.def.Type {
	case types.TypeString:
		return c.strs[i]
	case types.TypeInteger:
		return c.ints[i]
	case types.TypeFloat:
		return c.floats[i]
	case types.TypeBoolean:
		return c.bools[i]
	case types.TypeDate, types.TypeDatetime:
		return c.times[i]
	}
	return nil
}

// append adds one canonical value (or nil) to the end of the column.
func (c *Column) append(v interface{}) {
	i := c.n
	c.n++
	switch c.def.Type {
	case types.TypeString:
		s, _ := v.(string)
		c.strs = append(c.strs, s)
	case types.TypeInteger:
		n, _ := v.(int64)
		c.ints = append(c.ints, n)
	case types.TypeFloat:
		f, _ := v.(float64)
		c.floats = append(c.floats, f)
	case types.TypeBoolean:
		b, _ := v.(bool)
		c.bools = append(c.bools, b)
	case types.TypeDate, types.TypeDatetime:
		t, _ := v.(time.Time)
		c.times = append(c.times, t)
	}
	c.valid.SetTo(uint(i), v != nil)
}

// set overwrites row i with a canonical value (or nil).
func (c *Column) set(i int, v interface{}) {
	switch c.def.Type {
	case types.TypeString:
		s, _ := v.(string)
		c.strs[i] = s
	case types.TypeInteger:
		n, _ := v.(int64)
		c.ints[i] = n
	case types.TypeFloat:
		f, _ := v.(float64)
		c.floats[i] = f
	case types.TypeBoolean:
		b, _ := v.(bool)
		c.bools[i] = b
	case types.TypeDate, types.TypeDatetime:
		t, _ := v.(time.Time)
		c.times[i] = t
	}
	c.valid.SetTo(uint(i), v != nil)
}

// deleteRows removes the given rows in one compacting pass. positions must
// be sorted ascending and unique.
func (c *Column) deleteRows(positions []int) {
	if len(positions) == 0 {
		return
	}
	var valid bitset.BitSet
	w, p := 0, 0
	for r := 0; r < c.n; r++ {
		if p < len(positions) && positions[p] == r {
			p++
			continue
		}
		if w != r {
			c.move(r, w)
		}
		valid.SetTo(uint(w), c.valid.Test(uint(r)))
		w++
	}
	c.truncate(w)
	c.valid = valid
}

func (c *Column) move(from, to int) {
	switch c.def.Type {
	case types.TypeString:
		c.strs[to] = c.strs[from]
	case types.TypeInteger:
		c.ints[to] = c.ints[from]
	case types.TypeFloat:
		c.floats[to] = c.floats[from]
	case types.TypeBoolean:
		c.bools[to] = c.bools[from]
	case types.TypeDate, types.TypeDatetime:
		c.times[to] = c.times[from]
	}
}

func (c *Column) truncate(n int) {
	switch c.def.Type {
	case types.TypeString:
		clear(c.strs[n:])
		c.strs = c.strs[:n]
	case types.TypeInteger:
		c.ints = c.ints[:n]
	case types.TypeFloat:
		c.floats = c.floats[:n]
	case types.TypeBoolean:
		c.bools = c.bools[:n]
	case types.TypeDate, types.TypeDatetime:
		c.times = c.times[:n]
	}
	c.n = n
}

// NullCount returns the number of null rows.
func (c *Column) NullCount() int {
	return c.n - int(c.valid.Count())
}
