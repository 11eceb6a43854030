package wal

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/streamview/streamview/internal/arrowcodec"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/pkg/types"
)

// Journal records table ops and table lifecycle in a WAL. It implements
// table.Journal.
type Journal struct {
	wal *WAL
}

// NewJournal wraps w.
func NewJournal(w *WAL) *Journal {
	return &Journal{wal: w}
}

// WAL returns the underlying log.
func (j *Journal) WAL() *WAL { return j.wal }

// LSN returns the LSN of the last record.
func (j *Journal) LSN() uint64 { return j.wal.LSN() }

// Record journals one committed delta. Updates are stored as the full
// current rows they inserted or overwrote, so replaying them needs no
// earlier state. Removes are stored as the removed index values. Rows
// evicted by a limit are not recorded: replaying the inserts evicts them
// again.
func (j *Journal) Record(t *table.Table, d *table.Delta, r table.Reader) error {
	if len(d.Keys) > 0 {
		def, _, ok := r.Schema().Lookup(t.Options().Index)
		if !ok {
			return fmt.Errorf("wal: table %s has no index column", t.Name())
		}
		keys, err := arrowcodec.Encode(types.Schema{Columns: []types.ColumnDef{def}}, [][]interface{}{d.Keys})
		if err != nil {
			return fmt.Errorf("wal: encode removed keys: %w", err)
		}
		_, err = j.wal.Append(&Entry{Table: t.Name(), Kind: KindRemove, Op: d.Op, Rows: keys})
		return err
	}

	var positions []int
	collect := func(ids *roaring64.Bitmap) {
		it := ids.Iterator()
		for it.HasNext() {
			if pos, ok := r.Position(it.Next()); ok {
				positions = append(positions, pos)
			}
		}
	}
	collect(d.Inserted)
	collect(d.Updated)
	if len(positions) == 0 {
		return nil
	}
	sort.Ints(positions)

	s := r.Schema()
	cols := make([][]interface{}, s.Len())
	for c := range cols {
		cols[c] = make([]interface{}, len(positions))
		for i, pos := range positions {
			cols[c][i] = r.Value(pos, c)
		}
	}
	rows, err := arrowcodec.Encode(s, cols)
	if err != nil {
		return fmt.Errorf("wal: encode rows: %w", err)
	}
	_, err = j.wal.Append(&Entry{Table: t.Name(), Kind: KindUpdate, Op: d.Op, Rows: rows})
	return err
}

// Create journals a new table.
func (j *Journal) Create(name string, s types.Schema, index string, limit int) error {
	_, err := j.wal.Append(&Entry{Table: name, Kind: KindCreate, Columns: s.Columns, Index: index, Limit: limit})
	return err
}

// Drop journals a deleted table.
func (j *Journal) Drop(name string) error {
	_, err := j.wal.Append(&Entry{Table: name, Kind: KindDrop})
	return err
}

// Schema returns the schema of a create entry.
func (e *Entry) Schema() types.Schema {
	return types.Schema{Columns: e.Columns}
}

// Covered returns a Truncate predicate. snapshots maps every table that has
// a snapshot to the LSN of its latest one. An entry is covered when that
// snapshot contains it, or when a covered drop of its table follows it. A
// drop is covered only when no older snapshot of the table remains, since
// restoring one would bring the table back.
func Covered(entries []*Entry, snapshots map[string]uint64) func(*Entry) bool {
	dropped := make(map[string]uint64)
	for _, e := range entries {
		if e.Kind != KindDrop {
			continue
		}
		if lsn, ok := snapshots[e.Table]; ok && lsn < e.LSN {
			continue
		}
		if e.LSN > dropped[e.Table] {
			dropped[e.Table] = e.LSN
		}
	}
	return func(e *Entry) bool {
		if lsn, ok := snapshots[e.Table]; ok && e.LSN <= lsn {
			return true
		}
		return e.LSN <= dropped[e.Table]
	}
}
