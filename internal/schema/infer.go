package schema

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/streamview/streamview/pkg/types"
)

// InferType picks a column type for a set of sample values. Nulls are
// ignored; a column with no non-null values is typed as string.
//
// Whole-number floats (as produced by encoding/json) infer as integer unless
// any sample has a fractional part. Strings infer as date or datetime when
// every sample parses with the best-effort layouts.
func InferType(values []interface{}) types.ColumnType {
	var (
		seen                      int
		allBool, allInt, allFloat = true, true, true
		allDate, allDatetime      = true, true
		allTime                   = true
	)
	parser := Coercer{Mode: BestEffort}

	for _, v := range values {
		if v == nil {
			continue
		}
		seen++
		switch val := v.(type) {
		case bool:
			allInt, allFloat, allDate, allDatetime, allTime = false, false, false, false, false
		case time.Time:
			allBool, allInt, allFloat = false, false, false
			if !isMidnight(val) {
				allDate = false
			}
		case string:
			allBool, allInt, allFloat, allTime = false, false, false, false
			t, err := parser.parseTime(val)
			if err != nil || !looksLikeDate(val) {
				allDate, allDatetime = false, false
				continue
			}
			if !isMidnight(t) {
				allDate = false
			}
		case json.Number:
			allBool, allDate, allDatetime, allTime = false, false, false, false
			if _, err := val.Int64(); err != nil {
				allInt = false
			}
		default:
			allBool, allDate, allDatetime, allTime = false, false, false, false
			f, ok := numeric(v)
			if !ok {
				allInt, allFloat = false, false
				continue
			}
			if f != math.Trunc(f) {
				allInt = false
			}
		}
	}

	switch {
	case seen == 0:
		return types.TypeString
	case allBool:
		return types.TypeBoolean
	case allInt:
		return types.TypeInteger
	case allFloat:
		return types.TypeFloat
	case allTime && allDate:
		return types.TypeDate
	case allTime:
		return types.TypeDatetime
	case allDate:
		return types.TypeDate
	case allDatetime:
		return types.TypeDatetime
	}
	return types.TypeString
}

// Infer builds a nullable schema for columnar sample data.
func Infer(names []string, columns [][]interface{}) types.Schema {
	s := types.Schema{Columns: make([]types.ColumnDef, len(names))}
	for i, name := range names {
		var sample []interface{}
		if i < len(columns) {
			sample = columns[i]
		}
		s.Columns[i] = types.ColumnDef{Name: name, Type: InferType(sample), Nullable: true}
	}
	return s
}

func isMidnight(t time.Time) bool {
	t = t.UTC()
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

// looksLikeDate rejects bare integers so numeric id strings stay strings.
func looksLikeDate(s string) bool {
	return strings.ContainsAny(s, "-/ :,") || strings.ContainsAny(strings.ToLower(s), "abcdefghijklmnopqrstuvwxyz")
}
