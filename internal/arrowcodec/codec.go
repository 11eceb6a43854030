// Package arrowcodec converts between streamview columns and the Arrow IPC
// stream format.
//
// Column types map to Arrow as follows:
//
//	string   ↔ utf8
//	integer  ↔ int64
//	float    ↔ float64
//	boolean  ↔ bool
//	date     ↔ date32
//	datetime ↔ timestamp[ms, UTC]
//
// Decoding additionally accepts the narrower and unsigned integer types,
// float32, large_utf8, date64 and timestamps of any unit. Encoding is
// deterministic: identical input always yields identical bytes.
package arrowcodec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/streamview/streamview/internal/column"
	"github.com/streamview/streamview/pkg/types"
)

// Pool is the Go memory allocator used for all Arrow buffers.
var Pool = memory.NewGoAllocator()

// ToArrowType returns the Arrow data type for a column type.
func ToArrowType(t types.ColumnType) (arrow.DataType, error) {
	switch t {
	case types.TypeString:
		return arrow.BinaryTypes.String, nil
	case types.TypeInteger:
		return arrow.PrimitiveTypes.Int64, nil
	case types.TypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case types.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case types.TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case types.TypeDatetime:
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	}
	return nil, fmt.Errorf("column type %q has no arrow mapping", t)
}

// FromArrowType returns the column type for an Arrow data type.
func FromArrowType(dt arrow.DataType) (types.ColumnType, error) {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING:
		return types.TypeString, nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return types.TypeInteger, nil
	case arrow.FLOAT32, arrow.FLOAT64:
		return types.TypeFloat, nil
	case arrow.BOOL:
		return types.TypeBoolean, nil
	case arrow.DATE32, arrow.DATE64:
		return types.TypeDate, nil
	case arrow.TIMESTAMP:
		return types.TypeDatetime, nil
	}
	return "", fmt.Errorf("unsupported arrow type %s", dt)
}

// ToArrowSchema converts a schema to an Arrow schema.
func ToArrowSchema(s types.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		dt, err := ToArrowType(c.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// FromArrowSchema converts an Arrow schema to a nullable schema.
func FromArrowSchema(as *arrow.Schema) (types.Schema, error) {
	var s types.Schema
	for _, f := range as.Fields() {
		t, err := FromArrowType(f.Type)
		if err != nil {
			return types.Schema{}, fmt.Errorf("column %q: %w", f.Name, err)
		}
		s.Columns = append(s.Columns, types.ColumnDef{Name: f.Name, Type: t, Nullable: true})
	}
	return s, nil
}

// Encode writes columns (canonical values, nil for null) as a single-batch
// Arrow IPC stream.
func Encode(s types.Schema, columns [][]interface{}) ([]byte, error) {
	if len(columns) != len(s.Columns) {
		return nil, fmt.Errorf("got %d columns for a schema of %d", len(columns), len(s.Columns))
	}
	as, err := ToArrowSchema(s)
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(Pool, as)
	defer b.Release()
	for i, values := range columns {
		if err := appendValues(b.Field(i), s.Columns[i].Type, values); err != nil {
			return nil, fmt.Errorf("column %q: %w", s.Columns[i].Name, err)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(as), ipc.WithAllocator(Pool))
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendValues(fb array.Builder, t types.ColumnType, values []interface{}) error {
	fb.Reserve(len(values))
	for _, v := range values {
		if v == nil || column.IsUnset(v) {
			fb.AppendNull()
			continue
		}
		switch t {
		case types.TypeString:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
			fb.(*array.StringBuilder).Append(s)
		case types.TypeInteger:
			n, ok := v.(int64)
			if !ok {
				return fmt.Errorf("expected int64, got %T", v)
			}
			fb.(*array.Int64Builder).Append(n)
		case types.TypeFloat:
			switch f := v.(type) {
			case float64:
				fb.(*array.Float64Builder).Append(f)
			case int64:
				fb.(*array.Float64Builder).Append(float64(f))
			default:
				return fmt.Errorf("expected float64, got %T", v)
			}
		case types.TypeBoolean:
			bv, ok := v.(bool)
			if !ok {
				return fmt.Errorf("expected bool, got %T", v)
			}
			fb.(*array.BooleanBuilder).Append(bv)
		case types.TypeDate:
			tv, ok := v.(time.Time)
			if !ok {
				return fmt.Errorf("expected time.Time, got %T", v)
			}
			fb.(*array.Date32Builder).Append(arrow.Date32FromTime(tv))
		case types.TypeDatetime:
			tv, ok := v.(time.Time)
			if !ok {
				return fmt.Errorf("expected time.Time, got %T", v)
			}
			fb.(*array.TimestampBuilder).Append(arrow.Timestamp(tv.UnixMilli()))
		}
	}
	return nil
}

// Decode reads every record batch of an Arrow IPC stream into a Batch of
// canonical values, returning the stream's schema alongside.
func Decode(data []byte) (types.Schema, *column.Batch, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(Pool))
	if err != nil {
		return types.Schema{}, nil, fmt.Errorf("read arrow stream: %w", err)
	}
	defer r.Release()

	s, err := FromArrowSchema(r.Schema())
	if err != nil {
		return types.Schema{}, nil, err
	}
	cols := make([][]interface{}, len(s.Columns))
	for r.Next() {
		rec := r.Record()
		for i := range cols {
			cols[i], err = appendArray(cols[i], rec.Column(i))
			if err != nil {
				return types.Schema{}, nil, fmt.Errorf("column %q: %w", s.Columns[i].Name, err)
			}
		}
	}
	if err := r.Err(); err != nil {
		return types.Schema{}, nil, fmt.Errorf("read arrow stream: %w", err)
	}
	for i := range cols {
		if cols[i] == nil {
			cols[i] = []interface{}{}
		}
	}
	b, err := column.FromColumns(s.Names(), cols)
	if err != nil {
		return types.Schema{}, nil, err
	}
	return s, b, nil
}

func appendArray(dst []interface{}, arr arrow.Array) ([]interface{}, error) {
	n := arr.Len()
	for i := 0; i < n; i++ {
		if arr.IsNull(i) {
			dst = append(dst, nil)
			continue
		}
		var v interface{}
		switch a := arr.(type) {
		case *array.String:
			v = a.Value(i)
		case *array.LargeString:
			v = a.Value(i)
		case *array.Int8:
			v = int64(a.Value(i))
		case *array.Int16:
			v = int64(a.Value(i))
		case *array.Int32:
			v = int64(a.Value(i))
		case *array.Int64:
			v = a.Value(i)
		case *array.Uint8:
			v = int64(a.Value(i))
		case *array.Uint16:
			v = int64(a.Value(i))
		case *array.Uint32:
			v = int64(a.Value(i))
		case *array.Uint64:
			v = int64(a.Value(i))
		case *array.Float32:
			v = float64(a.Value(i))
		case *array.Float64:
			v = a.Value(i)
		case *array.Boolean:
			v = a.Value(i)
		case *array.Date32:
			v = a.Value(i).ToTime().UTC()
		case *array.Date64:
			t := a.Value(i).ToTime().UTC()
			v = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		case *array.Timestamp:
			unit := a.DataType().(*arrow.TimestampType).Unit
			v = a.Value(i).ToTime(unit).UTC()
		default:
			return nil, fmt.Errorf("unsupported arrow array %s", arr.DataType())
		}
		dst = append(dst, v)
	}
	return dst, nil
}
