package view

import (
	"strings"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/schema"
	"github.com/streamview/streamview/pkg/types"
)

// Operator is a filter comparison.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpContains
	OpBeginsWith
	OpEndsWith
	OpIn
	OpNotIn
	OpIsNull
	OpIsNotNull
)

// ParseOperator converts a filter operator name.
func ParseOperator(name string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "==", "=":
		return OpEq, nil
	case "!=", "<>":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	case "contains":
		return OpContains, nil
	case "begins with", "starts with":
		return OpBeginsWith, nil
	case "ends with":
		return OpEndsWith, nil
	case "in":
		return OpIn, nil
	case "not in":
		return OpNotIn, nil
	case "is null":
		return OpIsNull, nil
	case "is not null":
		return OpIsNotNull, nil
	}
	return 0, errors.NewConfigError(errors.CodeUnknownOperator, "unknown filter operator "+name).
		WithDetails(map[string]interface{}{"operator": name})
}

// predicate is a compiled filter bound to a column position.
type predicate struct {
	col   int
	op    Operator
	value interface{}
	set   map[string]bool
}

// compileFilter validates f against the schema and coerces its operand to
// the column type.
func compileFilter(f Filter, s types.Schema) (*predicate, error) {
	def, idx, ok := s.Lookup(f.Column)
	if !ok {
		return nil, unknownColumn(f.Column)
	}
	op, err := ParseOperator(f.Op)
	if err != nil {
		return nil, err
	}
	p := &predicate{col: idx, op: op}
	coercer := schema.Coercer{Mode: schema.BestEffort}

	switch op {
	case OpIsNull, OpIsNotNull:
		return p, nil
	case OpContains, OpBeginsWith, OpEndsWith:
		if def.Type != types.TypeString {
			return nil, errors.NewConfigError(errors.CodeInvalidConfig, f.Op+" requires a string column").
				WithDetails(map[string]interface{}{"column": f.Column})
		}
	case OpIn, OpNotIn:
		list, ok := f.Value.([]interface{})
		if !ok {
			list = []interface{}{f.Value}
		}
		p.set = make(map[string]bool, len(list))
		for _, raw := range list {
			v, err := coercer.Coerce(raw, def.Type)
			if err != nil {
				return nil, badOperand(f, err)
			}
			p.set[valueKey(v)] = true
		}
		return p, nil
	}

	if f.Value == nil {
		return nil, errors.NewConfigError(errors.CodeInvalidConfig, "filter "+f.Op+" needs a value").
			WithDetails(map[string]interface{}{"column": f.Column})
	}
	v, err := coercer.Coerce(f.Value, def.Type)
	if err != nil {
		return nil, badOperand(f, err)
	}
	p.value = v
	return p, nil
}

func badOperand(f Filter, err error) error {
	return errors.Wrap(errors.ErrCategoryConfig, errors.CodeInvalidConfig, "filter value does not match the column type", err).
		WithDetails(map[string]interface{}{"column": f.Column, "operator": f.Op})
}

// match evaluates the predicate against one cell. Comparisons against a
// null cell are false.
func (p *predicate) match(v interface{}) bool {
	switch p.op {
	case OpIsNull:
		return v == nil
	case OpIsNotNull:
		return v != nil
	}
	if v == nil {
		return false
	}
	switch p.op {
	case OpEq:
		return compareValues(v, p.value) == 0
	case OpNe:
		return compareValues(v, p.value) != 0
	case OpLt:
		return compareValues(v, p.value) < 0
	case OpLe:
		return compareValues(v, p.value) <= 0
	case OpGt:
		return compareValues(v, p.value) > 0
	case OpGe:
		return compareValues(v, p.value) >= 0
	case OpContains:
		return strings.Contains(v.(string), p.value.(string))
	case OpBeginsWith:
		return strings.HasPrefix(v.(string), p.value.(string))
	case OpEndsWith:
		return strings.HasSuffix(v.(string), p.value.(string))
	case OpIn:
		return p.set[valueKey(v)]
	case OpNotIn:
		return !p.set[valueKey(v)]
	}
	return false
}
