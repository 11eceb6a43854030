package view

import (
	"sort"
	"strconv"
	"strings"

	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/pkg/types"
)

// outColumn is one value column of the output, after split families are
// expanded.
type outColumn struct {
	name   string
	typ    types.ColumnType
	value  int // index into plan.values
	family int // index into snapshot.families, -1 without split_by
}

// outRow is one row of the output in traversal order.
type outRow struct {
	key    string
	path   []interface{} // group path; nil for flat rows
	id     uint64        // source row id for flat rows
	values []interface{} // one per outColumn
}

// snapshot is the materialized output of a view.
type snapshot struct {
	columns  []outColumn
	families [][]interface{}
	rows     []outRow
	total    *outRow
	index    map[string]int
}

func (s *snapshot) columnNames() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.name
	}
	return names
}

// node is one group of the pivot tree.
type node struct {
	path     []interface{}
	rows     []int
	children []*node
	byKey    map[string]*node
}

func (n *node) child(v interface{}) *node {
	k := valueKey(v)
	if c, ok := n.byKey[k]; ok {
		return c
	}
	path := make([]interface{}, len(n.path)+1)
	copy(path, n.path)
	path[len(n.path)] = v
	c := &node{path: path, byKey: make(map[string]*node)}
	n.byKey[k] = c
	n.children = append(n.children, c)
	return c
}

// compute evaluates the plan against the current table contents.
func compute(p *plan, r table.Reader) *snapshot {
	rows := filterRows(p, r)
	s := &snapshot{index: make(map[string]int)}

	familyOf := splitFamilies(p, r, rows, s)
	s.columns = outputColumns(p, s.families)

	if !p.grouped() {
		computeFlat(p, r, rows, familyOf, s)
		return s
	}

	root := &node{path: []interface{}{}, byKey: make(map[string]*node)}
	for _, pos := range rows {
		n := root
		n.rows = append(n.rows, pos)
		for _, col := range p.groupIdx {
			n = n.child(r.Value(pos, col))
			n.rows = append(n.rows, pos)
		}
	}

	total := aggregateRow(p, r, root, familyOf, s.columns)
	s.total = &total
	var walk func(n *node)
	walk = func(n *node) {
		sortChildren(p, r, n)
		for _, c := range n.children {
			row := aggregateRow(p, r, c, familyOf, s.columns)
			s.index[row.key] = len(s.rows)
			s.rows = append(s.rows, row)
			walk(c)
		}
	}
	walk(root)
	return s
}

func filterRows(p *plan, r table.Reader) []int {
	rows := make([]int, 0, r.Len())
next:
	for pos := 0; pos < r.Len(); pos++ {
		for _, f := range p.filters {
			if !f.match(r.Value(pos, f.col)) {
				continue next
			}
		}
		rows = append(rows, pos)
	}
	return rows
}

// splitFamilies collects the distinct split tuples in ascending order and
// returns the family of every filtered row, keyed by position.
func splitFamilies(p *plan, r table.Reader, rows []int, s *snapshot) map[int]int {
	if len(p.splitIdx) == 0 {
		return nil
	}
	seen := make(map[string][]interface{})
	tuples := make(map[int]string, len(rows))
	for _, pos := range rows {
		tuple := make([]interface{}, len(p.splitIdx))
		for i, col := range p.splitIdx {
			tuple[i] = r.Value(pos, col)
		}
		k := tupleKey(tuple)
		if _, ok := seen[k]; !ok {
			seen[k] = tuple
		}
		tuples[pos] = k
	}

	for _, tuple := range seen {
		s.families = append(s.families, tuple)
	}
	sort.Slice(s.families, func(i, j int) bool {
		return compareTuples(s.families[i], s.families[j]) < 0
	})
	familyIdx := make(map[string]int, len(s.families))
	for i, tuple := range s.families {
		familyIdx[tupleKey(tuple)] = i
	}
	familyOf := make(map[int]int, len(rows))
	for pos, k := range tuples {
		familyOf[pos] = familyIdx[k]
	}
	return familyOf
}

func compareTuples(a, b []interface{}) int {
	for i := range a {
		if c := compareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func outputColumns(p *plan, families [][]interface{}) []outColumn {
	typeOf := func(v valueColumn) types.ColumnType {
		if p.grouped() {
			return v.agg.OutputType(v.src)
		}
		return v.src
	}
	if len(p.splitIdx) == 0 {
		cols := make([]outColumn, len(p.values))
		for i, v := range p.values {
			cols[i] = outColumn{name: v.name, typ: typeOf(v), value: i, family: -1}
		}
		return cols
	}
	cols := make([]outColumn, 0, len(families)*len(p.values))
	for f, tuple := range families {
		labels := make([]string, len(tuple))
		for i, v := range tuple {
			labels[i] = formatLabel(v)
		}
		prefix := strings.Join(labels, "|") + "|"
		for i, v := range p.values {
			cols = append(cols, outColumn{name: prefix + v.name, typ: typeOf(v), value: i, family: f})
		}
	}
	return cols
}

func computeFlat(p *plan, r table.Reader, rows []int, familyOf map[int]int, s *snapshot) {
	if len(p.sorts) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, k := range p.sorts {
				if c := k.compare(r.Value(rows[i], k.idx), r.Value(rows[j], k.idx)); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}
	for _, pos := range rows {
		id := r.RowID(pos)
		row := outRow{key: "r" + strconv.FormatUint(id, 10), id: id, values: make([]interface{}, len(s.columns))}
		for i, c := range s.columns {
			if c.family >= 0 && familyOf[pos] != c.family {
				continue
			}
			row.values[i] = r.Value(pos, p.values[c.value].idx)
		}
		s.index[row.key] = len(s.rows)
		s.rows = append(s.rows, row)
	}
}

func aggregateRow(p *plan, r table.Reader, n *node, familyOf map[int]int, cols []outColumn) outRow {
	row := outRow{key: "g" + tupleKey(n.path), path: n.path, values: make([]interface{}, len(cols))}
	for i, c := range cols {
		v := p.values[c.value]
		acc := newAccumulator(v.agg, v.src)
		for _, pos := range n.rows {
			if c.family >= 0 && familyOf[pos] != c.family {
				continue
			}
			acc.Accumulate(r.Value(pos, v.idx))
		}
		row.values[i] = acc.Result()
	}
	return row
}

// sortChildren orders the children of n by the sort keys. A key on a
// group_by column above the children's level sorts by the path value;
// any other key sorts by its aggregate over each child's rows.
func sortChildren(p *plan, r table.Reader, n *node) {
	if len(p.sorts) == 0 || len(n.children) < 2 {
		return
	}
	depth := len(n.path) + 1
	keys := make(map[*node][]interface{}, len(n.children))
	for _, c := range n.children {
		vals := make([]interface{}, len(p.sorts))
		for i, k := range p.sorts {
			if k.level >= 0 && k.level < depth {
				vals[i] = c.path[k.level]
				continue
			}
			acc := newAccumulator(k.agg, k.src)
			for _, pos := range c.rows {
				acc.Accumulate(r.Value(pos, k.idx))
			}
			vals[i] = acc.Result()
		}
		keys[c] = vals
	}
	sort.SliceStable(n.children, func(i, j int) bool {
		a, b := keys[n.children[i]], keys[n.children[j]]
		for x, k := range p.sorts {
			if c := k.compare(a[x], b[x]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func (k sortKey) compare(a, b interface{}) int {
	var c int
	if k.abs {
		c = compareAbs(a, b)
	} else {
		c = compareValues(a, b)
	}
	if k.desc {
		return -c
	}
	return c
}
