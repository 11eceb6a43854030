package view

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// toFloat converts a value to float64 for numeric aggregation.
func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	}
	return 0, false
}

// compareValues orders canonical cell values: nulls first, then by value.
// Values of different kinds fall back to comparing their text.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	fa, aOk := toFloat(a)
	fb, bOk := toFloat(b)
	if aOk && bOk {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}

	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// compareAbs is compareValues on absolute values for numeric operands.
func compareAbs(a, b interface{}) int {
	fa, aOk := toFloat(a)
	fb, bOk := toFloat(b)
	if aOk && bOk {
		return compareValues(math.Abs(fa), math.Abs(fb))
	}
	return compareValues(a, b)
}

// valueKey renders a value as a type-tagged map key so that 1, 1.0 and "1"
// land in different groups.
func valueKey(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "n"
	case string:
		return "s" + strconv.Itoa(len(val)) + ":" + val
	case int64:
		return "i" + strconv.FormatInt(val, 10)
	case float64:
		return "f" + strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		if val {
			return "b1"
		}
		return "b0"
	case time.Time:
		return "t" + strconv.FormatInt(val.UnixNano(), 10)
	}
	return fmt.Sprintf("?%v", v)
}

// tupleKey joins value keys. String keys are length-prefixed so the
// separator cannot be confused with string content.
func tupleKey(values []interface{}) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(valueKey(v))
	}
	return sb.String()
}

// formatLabel renders a split value for use in a column name.
func formatLabel(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}
