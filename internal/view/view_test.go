package view

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/internal/arrowcodec"
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/pkg/types"
)

func orders() types.Schema {
	return types.NewSchema(
		"region", types.TypeString,
		"side", types.TypeString,
		"qty", types.TypeInteger,
		"price", types.TypeFloat,
	)
}

func newOrders(t *testing.T, opts table.Options) *table.Table {
	t.Helper()
	tbl, err := table.New(orders(), opts)
	require.NoError(t, err)
	_, err = tbl.UpdateRecords([]map[string]interface{}{
		{"region": "north", "side": "buy", "qty": 10, "price": 1.5},
		{"region": "south", "side": "sell", "qty": 5, "price": 2.0},
		{"region": "north", "side": "sell", "qty": 3, "price": 4.0},
		{"region": "east", "side": "buy", "qty": 7, "price": -9.0},
	})
	require.NoError(t, err)
	return tbl
}

func newView(t *testing.T, tbl *table.Table, cfg Config) *View {
	t.Helper()
	v, err := New(tbl, cfg, Options{Name: "v"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Delete() })
	return v
}

func toJSON(t *testing.T, v *View, w Window) []map[string]interface{} {
	t.Helper()
	out, err := v.ToJSON(w)
	require.NoError(t, err)
	return out
}

func TestView_SumByName(t *testing.T) {
	tbl, err := table.New(types.NewSchema("name", types.TypeString, "value", types.TypeInteger), table.Options{})
	require.NoError(t, err)
	_, err = tbl.UpdateJSON([]byte(`[{"name":"a","value":1},{"name":"b","value":2}]`))
	require.NoError(t, err)

	v := newView(t, tbl, Config{GroupBy: []string{"name"}, Aggregates: map[string]string{"value": "sum"}})
	assert.Equal(t, []map[string]interface{}{
		{"name": "a", "value": int64(1)},
		{"name": "b", "value": int64(2)},
	}, toJSON(t, v, Window{}))
}

func TestView_FlatDefaultsToAllColumns(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{})

	paths, err := v.ColumnPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "side", "qty", "price"}, paths)

	rows := toJSON(t, v, Window{RowPath: true})
	require.Len(t, rows, 4)
	assert.Equal(t, map[string]interface{}{
		"region": "north", "side": "buy", "qty": int64(10), "price": 1.5, RowIDColumn: uint64(1),
	}, rows[0])
}

func TestView_GroupedTreeAndTotals(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{
		GroupBy: []string{"region", "side"},
		Columns: []string{"qty"},
	})

	rows := toJSON(t, v, Window{Totals: true, RowPath: true})
	assert.Equal(t, []map[string]interface{}{
		{"region": nil, "side": nil, "qty": int64(25), RowPathColumn: []interface{}{}},
		{"region": "north", "side": nil, "qty": int64(13), RowPathColumn: []interface{}{"north"}},
		{"region": "north", "side": "buy", "qty": int64(10), RowPathColumn: []interface{}{"north", "buy"}},
		{"region": "north", "side": "sell", "qty": int64(3), RowPathColumn: []interface{}{"north", "sell"}},
		{"region": "south", "side": nil, "qty": int64(5), RowPathColumn: []interface{}{"south"}},
		{"region": "south", "side": "sell", "qty": int64(5), RowPathColumn: []interface{}{"south", "sell"}},
		{"region": "east", "side": nil, "qty": int64(7), RowPathColumn: []interface{}{"east"}},
		{"region": "east", "side": "buy", "qty": int64(7), RowPathColumn: []interface{}{"east", "buy"}},
	}, rows)

	n, err := v.NumRows()
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestView_Aggregates(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	tests := []struct {
		agg  string
		col  string
		want interface{}
	}{
		{"sum", "price", 5.5},
		{"count", "price", int64(2)},
		{"avg", "price", 2.75},
		{"min", "qty", int64(3)},
		{"max", "qty", int64(10)},
		{"first", "side", "buy"},
		{"last", "side", "sell"},
		{"unique", "side", nil},
		{"distinct count", "side", int64(2)},
		{"dominant", "side", "buy"},
	}
	for _, tt := range tests {
		t.Run(tt.agg, func(t *testing.T) {
			v := newView(t, tbl, Config{
				GroupBy:    []string{"region"},
				Columns:    []string{tt.col},
				Aggregates: map[string]string{tt.col: tt.agg},
			})
			rows := toJSON(t, v, Window{})
			require.NotEmpty(t, rows)
			assert.Equal(t, "north", rows[0]["region"])
			assert.Equal(t, tt.want, rows[0][tt.col])
		})
	}
}

func TestView_SortGroupsByAggregate(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{
		GroupBy: []string{"region"},
		Columns: []string{"qty"},
		Sort:    []Sort{{Column: "qty", Desc: true}},
	})
	var got []interface{}
	for _, row := range toJSON(t, v, Window{}) {
		got = append(got, row["region"])
	}
	assert.Equal(t, []interface{}{"north", "east", "south"}, got)
}

func TestView_SortFlatAbsIsStable(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{
		Columns: []string{"region", "price"},
		Sort:    []Sort{{Column: "price", Desc: true, Abs: true}, {Column: "region"}},
	})
	var got []interface{}
	for _, row := range toJSON(t, v, Window{}) {
		got = append(got, row["price"])
	}
	assert.Equal(t, []interface{}{-9.0, 4.0, 2.0, 1.5}, got)
}

func TestView_Filter(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	tests := []struct {
		filter []Filter
		want   int
	}{
		{[]Filter{{Column: "qty", Op: ">", Value: 4}}, 3},
		{[]Filter{{Column: "qty", Op: ">=", Value: "5"}, {Column: "side", Op: "==", Value: "buy"}}, 2},
		{[]Filter{{Column: "region", Op: "begins with", Value: "no"}}, 2},
		{[]Filter{{Column: "region", Op: "in", Value: []interface{}{"east", "south"}}}, 2},
		{[]Filter{{Column: "region", Op: "not in", Value: []interface{}{"east"}}}, 3},
		{[]Filter{{Column: "price", Op: "is null"}}, 0},
	}
	for _, tt := range tests {
		v := newView(t, tbl, Config{Filter: tt.filter})
		n, err := v.NumRows()
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, "%v", tt.filter)
	}
}

func TestView_SplitBy(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{
		GroupBy: []string{"region"},
		SplitBy: []string{"side"},
		Columns: []string{"qty"},
	})
	paths, err := v.ColumnPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "buy|qty", "sell|qty"}, paths)

	rows := toJSON(t, v, Window{})
	assert.Equal(t, map[string]interface{}{"region": "north", "buy|qty": int64(10), "sell|qty": int64(3)}, rows[0])
	assert.Equal(t, map[string]interface{}{"region": "south", "buy|qty": nil, "sell|qty": int64(5)}, rows[1])
}

func TestView_SplitByFlat(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{SplitBy: []string{"side"}, Columns: []string{"qty"}})
	rows := toJSON(t, v, Window{})
	require.Len(t, rows, 4)
	assert.Equal(t, map[string]interface{}{"buy|qty": int64(10), "sell|qty": nil}, rows[0])
}

func TestView_Schema(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{
		GroupBy:    []string{"region"},
		Columns:    []string{"qty", "price", "side"},
		Aggregates: map[string]string{"price": "avg"},
	})
	s, err := v.Schema()
	require.NoError(t, err)
	assert.Equal(t, types.NewSchema(
		"region", types.TypeString,
		"qty", types.TypeInteger,
		"price", types.TypeFloat,
		"side", types.TypeInteger,
	), s)
}

func TestView_ConfigErrors(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	tests := []struct {
		name string
		cfg  Config
		code string
	}{
		{"unknown group_by", Config{GroupBy: []string{"nope"}}, errors.CodeUnknownColumn},
		{"unknown aggregate", Config{Aggregates: map[string]string{"qty": "median-ish"}}, errors.CodeUnknownAggregate},
		{"unknown operator", Config{Filter: []Filter{{Column: "qty", Op: "~", Value: 1}}}, errors.CodeUnknownOperator},
		{"sum of strings", Config{Aggregates: map[string]string{"side": "sum"}}, errors.CodeInvalidConfig},
		{"contains on number", Config{Filter: []Filter{{Column: "qty", Op: "contains", Value: 1}}}, errors.CodeInvalidConfig},
		{"bad operand", Config{Filter: []Filter{{Column: "qty", Op: "<", Value: "many"}}}, errors.CodeInvalidConfig},
		{"group_by as value", Config{GroupBy: []string{"region"}, Columns: []string{"region"}}, errors.CodeInvalidConfig},
		{"duplicate pivot", Config{GroupBy: []string{"region", "region"}}, errors.CodeInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tbl, tt.cfg, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
	assert.Zero(t, tbl.NumViews())
}

func TestView_UnboundTable(t *testing.T) {
	tbl, err := table.New(types.Schema{}, table.Options{})
	require.NoError(t, err)
	_, err = New(tbl, Config{}, Options{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCategorySchema, errors.GetCategory(err))
}

func TestView_OnUpdateCarriesOnlyChangedRows(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{GroupBy: []string{"region"}, Columns: []string{"qty"}})

	var updates []*Update
	_, err := v.OnUpdate(func(u *Update) { updates = append(updates, u) })
	require.NoError(t, err)

	_, err = tbl.UpdateRecords([]map[string]interface{}{{"region": "south", "side": "buy", "qty": 1, "price": 1.0}})
	require.NoError(t, err)

	require.Len(t, updates, 1)
	assert.Equal(t, uint64(2), updates[0].Op)
	assert.Equal(t, []map[string]interface{}{
		{"region": "south", "qty": int64(6), RowPathColumn: []interface{}{"south"}},
	}, updates[0].Rows)
	assert.Empty(t, updates[0].Removed)
	assert.Nil(t, updates[0].Columns)
}

func TestView_OnUpdateReportsRemovedGroups(t *testing.T) {
	tbl, err := table.New(orders(), table.Options{Index: "region"})
	require.NoError(t, err)
	_, err = tbl.UpdateRecords([]map[string]interface{}{
		{"region": "north", "qty": 1},
		{"region": "south", "qty": 2},
	})
	require.NoError(t, err)

	v := newView(t, tbl, Config{GroupBy: []string{"region"}, Columns: []string{"qty"}})
	var got *Update
	_, err = v.OnUpdate(func(u *Update) { got = u })
	require.NoError(t, err)

	_, err = tbl.Remove([]interface{}{"north"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []interface{}{[]interface{}{"north"}}, got.Removed)
	assert.Empty(t, got.Rows)
}

func TestView_OnUpdateMayUpdateSourceTable(t *testing.T) {
	tbl, err := table.New(orders(), table.Options{Index: "region"})
	require.NoError(t, err)
	_, err = tbl.UpdateRecords([]map[string]interface{}{{"region": "north", "qty": 1}})
	require.NoError(t, err)

	v := newView(t, tbl, Config{GroupBy: []string{"region"}, Columns: []string{"qty"}})
	var ops []uint64
	_, err = v.OnUpdate(func(u *Update) {
		ops = append(ops, u.Op)
		if u.Op == 2 {
			_, err := tbl.UpdateRecords([]map[string]interface{}{{"region": "south", "qty": 5}})
			assert.NoError(t, err)
		}
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tbl.UpdateRecords([]map[string]interface{}{{"region": "north", "qty": 2}})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source update from inside a view callback did not return")
	}

	assert.Equal(t, []uint64{2, 3}, ops)
	assert.Equal(t, []map[string]interface{}{
		{"region": nil, "qty": int64(7)},
		{"region": "north", "qty": int64(2)},
		{"region": "south", "qty": int64(5)},
	}, toJSON(t, v, Window{Totals: true}))
}

func TestView_SkipsDeltasOnUnreferencedColumns(t *testing.T) {
	tbl, err := table.New(orders(), table.Options{Index: "region"})
	require.NoError(t, err)
	_, err = tbl.UpdateRecords([]map[string]interface{}{{"region": "north", "qty": 1, "price": 1.0}})
	require.NoError(t, err)

	v := newView(t, tbl, Config{GroupBy: []string{"region"}, Columns: []string{"qty"}})
	calls := 0
	_, err = v.OnUpdate(func(*Update) { calls++ })
	require.NoError(t, err)

	_, err = tbl.UpdateRecords([]map[string]interface{}{{"region": "north", "price": 2.0}})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, uint64(2), v.Op())
}

func TestView_NewSplitValueChangesColumns(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{GroupBy: []string{"region"}, SplitBy: []string{"side"}, Columns: []string{"qty"}})
	var got *Update
	_, err := v.OnUpdate(func(u *Update) { got = u })
	require.NoError(t, err)

	_, err = tbl.UpdateRecords([]map[string]interface{}{{"region": "east", "side": "hold", "qty": 2}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"buy|qty", "hold|qty", "sell|qty"}, got.Columns)
	assert.Len(t, got.Rows, 3)
}

func TestView_ToColumnsAndArrow(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v := newView(t, tbl, Config{GroupBy: []string{"region"}, Columns: []string{"qty"}})

	cols, err := v.ToColumns(Window{StartRow: 1, EndRow: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string][]interface{}{
		"region": {"south", "east"},
		"qty":    {int64(5), int64(7)},
	}, cols)

	data, err := v.ToArrow(Window{})
	require.NoError(t, err)
	again, err := v.ToArrow(Window{})
	require.NoError(t, err)
	assert.Equal(t, data, again)

	s, b, err := arrowcodec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "qty"}, s.Names())
	assert.Equal(t, []interface{}{"north", "south", "east"}, b.Columns[0])
	assert.Equal(t, []interface{}{int64(13), int64(5), int64(7)}, b.Columns[1])
}

func TestView_DeleteLifecycle(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v, err := New(tbl, Config{}, Options{Name: "v"})
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.NumViews())

	require.NoError(t, v.Delete())
	assert.Zero(t, tbl.NumViews())

	_, err = v.ToJSON(Window{})
	assert.Equal(t, errors.CodeUseAfterDelete, errors.GetCode(err))
	err = v.Delete()
	assert.Equal(t, errors.CodeUseAfterDelete, errors.GetCode(err))

	_, err = tbl.UpdateRecords([]map[string]interface{}{{"region": "x", "qty": 1}})
	require.NoError(t, err)
}

func TestView_SourceDeleted(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	v, err := New(tbl, Config{}, Options{Name: "v"})
	require.NoError(t, err)

	require.NoError(t, tbl.Delete())
	_, err = v.NumRows()
	assert.Equal(t, errors.CodeSourceDeleted, errors.GetCode(err))
	_, err = v.OnUpdate(func(*Update) {})
	assert.Equal(t, errors.CodeSourceDeleted, errors.GetCode(err))

	_, err = New(tbl, Config{}, Options{})
	assert.Equal(t, errors.CodeUseAfterDelete, errors.GetCode(err))
}

func TestView_RecordsStats(t *testing.T) {
	tbl := newOrders(t, table.Options{})
	stats := observability.NewViewStats(0)
	_, err := New(tbl, Config{
		GroupBy: []string{"region"},
		Filter:  []Filter{{Column: "qty", Op: ">", Value: 1}},
	}, Options{Stats: stats})
	require.NoError(t, err)

	pivots := stats.TopPivots(1)
	require.Len(t, pivots, 1)
	assert.Equal(t, "region", pivots[0].Column)
	filters := stats.TopFilters(1)
	require.Len(t, filters, 1)
	assert.Equal(t, 1, filters[0].Operators[">"])
}

func TestView_ConcurrentReadsDuringUpdates(t *testing.T) {
	tbl, err := table.New(orders(), table.Options{Index: "region"})
	require.NoError(t, err)
	v := newView(t, tbl, Config{GroupBy: []string{"side"}, Columns: []string{"qty"}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = tbl.UpdateRecords([]map[string]interface{}{{"region": string(rune('a' + i%26)), "side": "buy", "qty": i}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := v.ToJSON(Window{Totals: true})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	n, err := v.NumRows()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
