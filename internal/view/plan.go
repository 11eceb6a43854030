package view

import (
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/pkg/types"
)

// valueColumn is a resolved output value column.
type valueColumn struct {
	name string
	idx  int
	src  types.ColumnType
	agg  AggregateType
}

// sortKey is a resolved sort spec. level is the group_by position of the
// column, or -1 when it is not a pivot.
type sortKey struct {
	idx   int
	src   types.ColumnType
	agg   AggregateType
	level int
	desc  bool
	abs   bool
}

// plan is a config resolved against a table schema.
type plan struct {
	cfg      Config
	schema   types.Schema
	groupIdx []int
	splitIdx []int
	values   []valueColumn
	sorts    []sortKey
	filters  []*predicate
	refs     []string
}

func unknownColumn(name string) error {
	return errors.NewSchemaError(errors.CodeUnknownColumn, "unknown column "+name).
		WithDetails(map[string]interface{}{"column": name})
}

// resolve validates cfg against s.
func resolve(cfg Config, s types.Schema) (*plan, error) {
	if s.Len() == 0 {
		return nil, errors.NewSchemaError(errors.CodeSchemaError, "table has no schema yet")
	}
	p := &plan{cfg: cfg, schema: s}
	refs := make(map[string]bool)
	ref := func(name string) {
		if !refs[name] {
			refs[name] = true
			p.refs = append(p.refs, name)
		}
	}

	pivots := make(map[string]bool)
	for _, list := range [][]string{cfg.GroupBy, cfg.SplitBy} {
		seen := make(map[string]bool)
		for _, name := range list {
			_, idx, ok := s.Lookup(name)
			if !ok {
				return nil, unknownColumn(name)
			}
			if seen[name] {
				return nil, errors.NewConfigError(errors.CodeInvalidConfig, "duplicate pivot column "+name)
			}
			seen[name] = true
			pivots[name] = true
			ref(name)
			if len(p.groupIdx) < len(cfg.GroupBy) {
				p.groupIdx = append(p.groupIdx, idx)
			} else {
				p.splitIdx = append(p.splitIdx, idx)
			}
		}
	}

	for name, aggName := range cfg.Aggregates {
		def, _, ok := s.Lookup(name)
		if !ok {
			return nil, unknownColumn(name)
		}
		agg, err := ParseAggregateType(aggName)
		if err != nil {
			return nil, err
		}
		if agg.requiresNumeric() && !def.Type.IsNumeric() {
			return nil, errors.NewConfigError(errors.CodeInvalidConfig, agg.String()+" requires a numeric column").
				WithDetails(map[string]interface{}{"column": name, "aggregate": aggName})
		}
	}

	columns := cfg.Columns
	if columns == nil {
		for _, def := range s.Columns {
			if !pivots[def.Name] {
				columns = append(columns, def.Name)
			}
		}
	}
	seen := make(map[string]bool)
	for _, name := range columns {
		def, idx, ok := s.Lookup(name)
		if !ok {
			return nil, unknownColumn(name)
		}
		if seen[name] {
			return nil, errors.NewConfigError(errors.CodeInvalidConfig, "duplicate column "+name)
		}
		seen[name] = true
		for _, g := range cfg.GroupBy {
			if g == name {
				return nil, errors.NewConfigError(errors.CodeInvalidConfig, "group_by column "+name+" cannot also be a value column").
					WithDetails(map[string]interface{}{"column": name})
			}
		}
		ref(name)
		p.values = append(p.values, valueColumn{name: name, idx: idx, src: def.Type, agg: p.aggregateFor(def)})
	}

	for _, srt := range cfg.Sort {
		def, idx, ok := s.Lookup(srt.Column)
		if !ok {
			return nil, unknownColumn(srt.Column)
		}
		level := -1
		for i, g := range cfg.GroupBy {
			if g == srt.Column {
				level = i
			}
		}
		ref(srt.Column)
		p.sorts = append(p.sorts, sortKey{
			idx: idx, src: def.Type, agg: p.aggregateFor(def),
			level: level, desc: srt.Desc, abs: srt.Abs,
		})
	}

	for _, f := range cfg.Filter {
		pred, err := compileFilter(f, s)
		if err != nil {
			return nil, err
		}
		ref(f.Column)
		p.filters = append(p.filters, pred)
	}
	return p, nil
}

// aggregateFor returns the configured or default aggregate of a column.
// Names were validated by resolve.
func (p *plan) aggregateFor(def types.ColumnDef) AggregateType {
	if name, ok := p.cfg.Aggregates[def.Name]; ok {
		if agg, err := ParseAggregateType(name); err == nil {
			return agg
		}
	}
	return DefaultAggregate(def.Type)
}

func (p *plan) grouped() bool { return len(p.groupIdx) > 0 }
