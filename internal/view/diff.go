package view

import (
	"github.com/streamview/streamview/internal/column"
)

// Update is the payload delivered to view subscribers. Rows carries only the
// rows whose values changed or that are new; each row includes its
// identity, the row path for grouped views or the row id for flat views.
type Update struct {
	Op uint64 `json:"op"`
	// Rows are rendered like ToJSON rows with RowPath set.
	Rows []map[string]interface{} `json:"rows"`
	// Removed lists the row paths (grouped) or row ids (flat) that left the
	// output.
	Removed []interface{} `json:"removed"`
	// Columns is set when the output column set changed, e.g. when a new
	// split value appeared. Every row is then included in Rows.
	Columns []string `json:"columns,omitempty"`
	// Reordered is set when surviving rows changed relative order.
	Reordered bool `json:"reordered,omitempty"`
}

// Empty reports whether the update carries no change.
func (u *Update) Empty() bool {
	return len(u.Rows) == 0 && len(u.Removed) == 0 && u.Columns == nil && !u.Reordered
}

// diff computes the update that turns prev into next.
func diff(op uint64, groupBy []string, prev, next *snapshot) *Update {
	u := &Update{Op: op, Rows: []map[string]interface{}{}, Removed: []interface{}{}}

	columnsChanged := !sameColumns(prev, next)
	if columnsChanged {
		u.Columns = next.columnNames()
	}

	last := -1
	for i := range next.rows {
		row := &next.rows[i]
		j, ok := prev.index[row.key]
		if ok {
			if j < last {
				u.Reordered = true
			}
			last = j
		}
		if columnsChanged || !ok || !sameValues(&prev.rows[j], row) {
			u.Rows = append(u.Rows, renderRow(groupBy, next.columns, row, true))
		}
	}
	for i := range prev.rows {
		row := &prev.rows[i]
		if _, ok := next.index[row.key]; ok {
			continue
		}
		u.Removed = append(u.Removed, identity(row))
	}
	return u
}

func sameColumns(a, b *snapshot) bool {
	if len(a.columns) != len(b.columns) {
		return false
	}
	for i := range a.columns {
		if a.columns[i].name != b.columns[i].name || a.columns[i].typ != b.columns[i].typ {
			return false
		}
	}
	return true
}

func sameValues(a, b *outRow) bool {
	if len(a.values) != len(b.values) {
		return false
	}
	for i := range a.values {
		if !column.Equal(a.values[i], b.values[i]) {
			return false
		}
	}
	return true
}

// identity returns the exported row path or row id of a row.
func identity(row *outRow) interface{} {
	if row.path == nil {
		return row.id
	}
	path := make([]interface{}, len(row.path))
	for i, v := range row.path {
		path[i] = column.Export(v)
	}
	return path
}

// renderRow converts an output row to a JSON object. Group-by columns hold
// the row's path value at their level and null below it.
func renderRow(groupBy []string, cols []outColumn, row *outRow, withIdentity bool) map[string]interface{} {
	rec := make(map[string]interface{}, len(groupBy)+len(cols)+1)
	for i, name := range groupBy {
		if i < len(row.path) {
			rec[name] = column.Export(row.path[i])
		} else {
			rec[name] = nil
		}
	}
	for i, c := range cols {
		rec[c.name] = column.Export(row.values[i])
	}
	if withIdentity {
		if len(groupBy) > 0 {
			rec[RowPathColumn] = identity(row)
		} else {
			rec[RowIDColumn] = row.id
		}
	}
	return rec
}
