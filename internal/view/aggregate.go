package view

import (
	"strings"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/pkg/types"
)

// AggregateType is a reduction applied per (group, split, column) cell.
type AggregateType int

const (
	AggSum AggregateType = iota
	AggCount
	AggAvg
	AggMin
	AggMax
	AggFirst
	AggLast
	AggUnique
	AggDistinctCount
	AggDominant
)

var aggregateNames = map[AggregateType]string{
	AggSum:           "sum",
	AggCount:         "count",
	AggAvg:           "avg",
	AggMin:           "min",
	AggMax:           "max",
	AggFirst:         "first",
	AggLast:          "last",
	AggUnique:        "unique",
	AggDistinctCount: "distinct count",
	AggDominant:      "dominant",
}

func (a AggregateType) String() string { return aggregateNames[a] }

// ParseAggregateType converts an aggregate name to an AggregateType.
func ParseAggregateType(name string) (AggregateType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sum":
		return AggSum, nil
	case "count":
		return AggCount, nil
	case "avg", "mean", "average":
		return AggAvg, nil
	case "min", "low":
		return AggMin, nil
	case "max", "high":
		return AggMax, nil
	case "first", "first by index":
		return AggFirst, nil
	case "last", "last by index":
		return AggLast, nil
	case "unique":
		return AggUnique, nil
	case "distinct count", "distinct_count", "distinctcount", "count distinct":
		return AggDistinctCount, nil
	case "dominant":
		return AggDominant, nil
	}
	return 0, errors.NewConfigError(errors.CodeUnknownAggregate, "unknown aggregate "+name).
		WithDetails(map[string]interface{}{"aggregate": name})
}

// DefaultAggregate is sum for numeric columns and count otherwise.
func DefaultAggregate(t types.ColumnType) AggregateType {
	if t.IsNumeric() {
		return AggSum
	}
	return AggCount
}

// requiresNumeric reports whether the aggregate only makes sense on numbers.
func (a AggregateType) requiresNumeric() bool {
	return a == AggSum || a == AggAvg
}

// OutputType returns the column type an aggregate produces for a source
// column type.
func (a AggregateType) OutputType(src types.ColumnType) types.ColumnType {
	switch a {
	case AggCount, AggDistinctCount:
		return types.TypeInteger
	case AggAvg:
		return types.TypeFloat
	case AggSum:
		if src == types.TypeInteger {
			return types.TypeInteger
		}
		return types.TypeFloat
	}
	return src
}

// accumulator holds the running state of one aggregate cell. Nulls are
// ignored by every aggregate.
type accumulator struct {
	typ   AggregateType
	count int64
	sum   float64
	isum  int64
	ints  bool
	value interface{}
	isSet bool
	mixed bool
	freq  map[string]*tally
	seen  int
}

type tally struct {
	value interface{}
	count int
	first int
}

func newAccumulator(typ AggregateType, src types.ColumnType) *accumulator {
	acc := &accumulator{typ: typ, ints: src == types.TypeInteger}
	if typ == AggDistinctCount || typ == AggDominant {
		acc.freq = make(map[string]*tally)
	}
	return acc
}

// Accumulate adds a single value to the aggregate.
func (a *accumulator) Accumulate(value interface{}) {
	if value == nil {
		return
	}
	a.count++

	switch a.typ {
	case AggSum, AggAvg:
		if n, ok := value.(int64); ok && a.ints {
			a.isum += n
		}
		if f, ok := toFloat(value); ok {
			a.sum += f
		}

	case AggMin:
		if !a.isSet || compareValues(value, a.value) < 0 {
			a.value = value
		}

	case AggMax:
		if !a.isSet || compareValues(value, a.value) > 0 {
			a.value = value
		}

	case AggFirst:
		if !a.isSet {
			a.value = value
		}

	case AggLast:
		a.value = value

	case AggUnique:
		if a.isSet && compareValues(value, a.value) != 0 {
			a.mixed = true
		}
		if !a.isSet {
			a.value = value
		}

	case AggDistinctCount, AggDominant:
		k := valueKey(value)
		t, ok := a.freq[k]
		if !ok {
			t = &tally{value: value, first: a.seen}
			a.freq[k] = t
			a.seen++
		}
		t.count++
	}
	a.isSet = true
}

// Result returns the final value of the aggregate.
func (a *accumulator) Result() interface{} {
	if !a.isSet {
		switch a.typ {
		case AggCount, AggDistinctCount:
			return int64(0)
		}
		return nil
	}

	switch a.typ {
	case AggCount:
		return a.count
	case AggSum:
		if a.ints {
			return a.isum
		}
		return a.sum
	case AggAvg:
		return a.sum / float64(a.count)
	case AggUnique:
		if a.mixed {
			return nil
		}
		return a.value
	case AggDistinctCount:
		return int64(len(a.freq))
	case AggDominant:
		var best *tally
		for _, t := range a.freq {
			if best == nil || t.count > best.count || (t.count == best.count && t.first < best.first) {
				best = t
			}
		}
		return best.value
	}
	return a.value
}
