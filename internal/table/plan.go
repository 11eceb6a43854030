package table

import (
	"github.com/streamview/streamview/internal/column"
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/schema"
	"github.com/streamview/streamview/pkg/types"
)

type write struct {
	id  uint64
	row []interface{}
}

// plan is a fully validated and coerced batch, split into overwrites of
// existing keys and appended rows. Building it touches no table state.
type plan struct {
	writes  []write
	inserts [][]interface{}
}

func (t *Table) plan(b *column.Batch) (*plan, error) {
	idx := make([]int, len(b.Names))
	for i, name := range b.Names {
		_, c, ok := t.schema.Lookup(name)
		if !ok {
			return nil, errors.NewSchemaError(errors.CodeUnknownColumn, "batch column is not in the schema").
				WithDetails(map[string]interface{}{"column": name})
		}
		idx[i] = c
	}
	if t.keyCol >= 0 && b.Index(t.opts.Index) < 0 {
		return nil, errors.NewSchemaError(errors.CodeMissingColumn, "batch is missing the index column").
			WithDetails(map[string]interface{}{"column": t.opts.Index})
	}

	p := &plan{}
	var insertRows []int
	pending := make(map[interface{}]int)
	for r := 0; r < b.Len(); r++ {
		row := make([]interface{}, t.schema.Len())
		for c := range row {
			row[c] = column.Unset
		}
		for i, c := range idx {
			raw := b.Columns[i][r]
			if column.IsUnset(raw) {
				continue
			}
			v, err := t.coerce(raw, c, r)
			if err != nil {
				return nil, err
			}
			row[c] = v
		}

		if t.keyCol < 0 {
			p.inserts = append(p.inserts, row)
			insertRows = append(insertRows, r)
			continue
		}
		key := row[t.keyCol]
		if key == nil || column.IsUnset(key) {
			return nil, errors.NewKeyError("row has no index value").
				WithDetails(map[string]interface{}{"column": t.opts.Index, "row": r})
		}
		k := keyOf(key)
		if id, ok := t.keys[k]; ok {
			p.writes = append(p.writes, write{id: id, row: row})
			continue
		}
		if j, ok := pending[k]; ok {
			for c, v := range row {
				if !column.IsUnset(v) {
					p.inserts[j][c] = v
				}
			}
			continue
		}
		pending[k] = len(p.inserts)
		p.inserts = append(p.inserts, row)
		insertRows = append(insertRows, r)
	}

	for j, row := range p.inserts {
		for c, v := range row {
			def := t.schema.Columns[c]
			if column.IsUnset(v) && !def.Nullable {
				return nil, errors.NewSchemaError(errors.CodeMissingColumn, "row is missing a non-nullable column").
					WithDetails(map[string]interface{}{"column": def.Name, "row": insertRows[j]})
			}
		}
	}
	return p, nil
}

// coerce converts one raw cell. Best-effort mode turns an unparseable value
// into null when the column is nullable and not the index.
func (t *Table) coerce(raw interface{}, c, row int) (interface{}, error) {
	def := t.schema.Columns[c]
	v, err := t.coercer.Coerce(raw, def.Type)
	if err != nil {
		if t.coercer.Mode == schema.BestEffort && def.Nullable && c != t.keyCol {
			t.log.Debug("coerced unparseable value to null", "column", def.Name, "row", row, "err", err)
			return nil, nil
		}
		return nil, errors.NewTypeMismatch(def.Name, row, raw, err.Error())
	}
	if v == nil && !def.Nullable {
		return nil, errors.NewTypeMismatch(def.Name, row, raw, "null in a non-nullable column")
	}
	return v, nil
}

// inferSchema types each batch column from its values.
func inferSchema(b *column.Batch) types.Schema {
	cols := make([][]interface{}, len(b.Columns))
	for i, values := range b.Columns {
		sample := make([]interface{}, 0, len(values))
		for _, v := range values {
			if !column.IsUnset(v) {
				sample = append(sample, v)
			}
		}
		cols[i] = sample
	}
	return schema.Infer(b.Names, cols)
}
