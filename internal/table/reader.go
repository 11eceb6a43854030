package table

import (
	"github.com/streamview/streamview/pkg/types"
)

// Reader is read-only access to table contents. It is only valid inside
// the callback it was passed to.
type Reader interface {
	// Schema returns the table schema; callers must not modify it.
	Schema() types.Schema
	Len() int
	Value(row, col int) interface{}
	// RowID returns the stable id of the row at a position.
	RowID(pos int) uint64
	// Position returns the current position of a live row id.
	Position(id uint64) (int, bool)
	// Op returns the op of the last committed mutation.
	Op() uint64
}

type reader struct {
	t *Table
}

func (r reader) Schema() types.Schema { return r.t.schema }

func (r reader) Len() int { return r.t.rows() }

func (r reader) Value(row, col int) interface{} { return r.t.store.Value(row, col) }

func (r reader) RowID(pos int) uint64 { return r.t.ids[pos] }

func (r reader) Op() uint64 { return r.t.op }

func (r reader) Position(id uint64) (int, bool) {
	pos := r.t.position(id)
	if pos < len(r.t.ids) && r.t.ids[pos] == id {
		return pos, true
	}
	return 0, false
}
