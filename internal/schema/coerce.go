// Package schema implements value coercion and type inference for table
// columns.
//
// Coercion maps incoming Go values (typically produced by encoding/json or
// an Arrow decoder) to the canonical in-memory representation of each
// column type:
//
//	string   → string
//	integer  → int64
//	float    → float64
//	boolean  → bool
//	date     → time.Time (UTC midnight)
//	datetime → time.Time (UTC)
//
// Strict mode only accepts values of the matching kind plus ISO-8601 date
// strings; best-effort mode additionally parses numeric and boolean strings
// and tries a list of common date layouts.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/streamview/streamview/pkg/types"
)

// Mode selects how forgiving coercion is.
type Mode int

const (
	// BestEffort parses strings into numbers, booleans and dates.
	BestEffort Mode = iota
	// Strict only accepts values already of the column's kind.
	Strict
)

// ParseMode converts a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "best_effort", "best-effort", "besteffort":
		return BestEffort, nil
	case "strict":
		return Strict, nil
	}
	return BestEffort, fmt.Errorf("unknown coercion mode %q (must be strict or best_effort)", s)
}

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "best_effort"
}

// isoDateLayouts are accepted in both modes.
var isoDateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	time.RFC3339,
}

// candidateLayouts are tried, in order, by best-effort parsing.
var candidateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"01/02/2006",
	"01/02/2006 15:04:05",
	"02 Jan 2006",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC822,
}

// Coercer converts values to column types.
type Coercer struct {
	Mode Mode
}

// Coerce converts v to the canonical representation of typ. A nil value
// is returned as nil.
func (c Coercer) Coerce(v interface{}, typ types.ColumnType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case types.TypeString:
		return c.toString(v)
	case types.TypeInteger:
		return c.toInteger(v)
	case types.TypeFloat:
		return c.toFloat(v)
	case types.TypeBoolean:
		return c.toBool(v)
	case types.TypeDate:
		t, err := c.toTime(v)
		if err != nil {
			return nil, err
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case types.TypeDatetime:
		return c.toTime(v)
	}
	return nil, fmt.Errorf("unknown column type %q", typ)
}

func (c Coercer) toString(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return val.String(), nil
	}
	if f, ok := numeric(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return nil, fmt.Errorf("cannot convert %T to string", v)
}

func (c Coercer) toInteger(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows integer", val)
		}
		return int64(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return c.floatToInteger(f)
	case float64:
		return c.floatToInteger(val)
	case float32:
		return c.floatToInteger(float64(val))
	case bool:
		if c.Mode == Strict {
			return nil, fmt.Errorf("cannot convert boolean to integer")
		}
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		if c.Mode == Strict {
			return nil, fmt.Errorf("cannot convert string %q to integer", val)
		}
		s := strings.ReplaceAll(strings.TrimSpace(val), ",", "")
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as integer", val)
		}
		return c.floatToInteger(f)
	}
	return nil, fmt.Errorf("cannot convert %T to integer", v)
}

func (c Coercer) floatToInteger(f float64) (interface{}, error) {
	if f != math.Trunc(f) && c.Mode == Strict && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not a whole number", f)
	}
	return truncInt64(f)
}

// truncInt64 truncates f toward zero, rejecting values int64 cannot hold.
func truncInt64(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("cannot convert %v to integer", f)
	}
	if f < -(1<<63) || f >= 1<<63 {
		return 0, fmt.Errorf("%v overflows integer", f)
	}
	return int64(f), nil
}

func (c Coercer) toFloat(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case json.Number:
		return val.Float64()
	case bool:
		if c.Mode == Strict {
			return nil, fmt.Errorf("cannot convert boolean to float")
		}
		if val {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		if c.Mode == Strict {
			return nil, fmt.Errorf("cannot convert string %q to float", val)
		}
		s := strings.ReplaceAll(strings.TrimSpace(val), ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as float", val)
		}
		return f, nil
	}
	if f, ok := numeric(v); ok {
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %T to float", v)
}

func (c Coercer) toBool(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		if c.Mode == BestEffort {
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "1", "yes", "y", "t", "on":
				return true, nil
			case "0", "no", "n", "f", "off":
				return false, nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as boolean", val)
	}
	if f, ok := numeric(v); ok && c.Mode == BestEffort {
		switch f {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to boolean", v)
}

// toTime accepts time.Time, epoch milliseconds and date strings.
func (c Coercer) toTime(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		return c.parseTime(val)
	case json.Number:
		ms, err := val.Int64()
		if err != nil {
			f, ferr := val.Float64()
			if ferr != nil {
				return time.Time{}, ferr
			}
			if ms, err = truncInt64(f); err != nil {
				return time.Time{}, err
			}
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	if f, ok := numeric(v); ok {
		ms, err := truncInt64(f)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to a date", v)
}

func (c Coercer) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if c.Mode == BestEffort {
		for _, layout := range candidateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a date", s)
}

// numeric converts any Go numeric kind to float64.
func numeric(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int16:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint:
		return float64(val), true
	}
	return 0, false
}
