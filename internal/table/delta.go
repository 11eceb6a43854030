package table

import (
	"encoding/json"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/streamview/streamview/internal/column"
)

// CellChange is one overwritten cell of an existing row.
type CellChange struct {
	RowID  uint64      `json:"row_id"`
	Column string      `json:"column"`
	Old    interface{} `json:"old"`
	New    interface{} `json:"new"`
}

// Delta is the set of rows changed by one update or remove call. Row ids
// are stable for the lifetime of a row and increase with insertion order.
// A Delta is shared between observers and must be treated as read-only.
type Delta struct {
	Op       uint64
	Inserted *roaring64.Bitmap
	Updated  *roaring64.Bitmap
	Removed  *roaring64.Bitmap
	Changes  []CellChange
	// Keys holds the index values of the rows deleted by Remove, in the
	// order they were removed. Evicted rows have no key.
	Keys []interface{}

	changed map[string]bool
}

func newDelta(op uint64) *Delta {
	return &Delta{
		Op:       op,
		Inserted: roaring64.New(),
		Updated:  roaring64.New(),
		Removed:  roaring64.New(),
		changed:  make(map[string]bool),
	}
}

func (d *Delta) addChange(id uint64, col string, from, to interface{}) {
	d.Updated.Add(id)
	d.Changes = append(d.Changes, CellChange{RowID: id, Column: col, Old: from, New: to})
	d.changed[col] = true
}

// Empty reports whether the delta changed nothing.
func (d *Delta) Empty() bool {
	return d.Inserted.IsEmpty() && d.Updated.IsEmpty() && d.Removed.IsEmpty()
}

// Touches reports whether the delta can affect an output that reads only
// the given columns. Inserted and removed rows touch every column.
func (d *Delta) Touches(columns []string) bool {
	if !d.Inserted.IsEmpty() || !d.Removed.IsEmpty() {
		return true
	}
	for _, c := range columns {
		if d.changed[c] {
			return true
		}
	}
	return false
}

// Rows returns the number of inserted, updated and removed rows.
func (d *Delta) Rows() (inserted, updated, removed uint64) {
	return d.Inserted.GetCardinality(), d.Updated.GetCardinality(), d.Removed.GetCardinality()
}

// MarshalJSON renders the delta with row id arrays and epoch-millisecond
// dates.
func (d *Delta) MarshalJSON() ([]byte, error) {
	var keys []interface{}
	for _, k := range d.Keys {
		keys = append(keys, column.Export(k))
	}
	changes := make([]CellChange, len(d.Changes))
	for i, c := range d.Changes {
		changes[i] = CellChange{RowID: c.RowID, Column: c.Column, Old: column.Export(c.Old), New: column.Export(c.New)}
	}
	return json.Marshal(struct {
		Op       uint64        `json:"op"`
		Inserted []uint64      `json:"inserted"`
		Updated  []uint64      `json:"updated"`
		Removed  []uint64      `json:"removed"`
		Changes  []CellChange  `json:"changes,omitempty"`
		Keys     []interface{} `json:"removed_keys,omitempty"`
	}{
		Op:       d.Op,
		Inserted: d.Inserted.ToArray(),
		Updated:  d.Updated.ToArray(),
		Removed:  d.Removed.ToArray(),
		Changes:  changes,
		Keys:     keys,
	})
}
