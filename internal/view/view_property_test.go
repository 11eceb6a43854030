package view

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/streamview/streamview/internal/table"
)

type mutation struct {
	Key    int
	Side   int
	Qty    int
	Remove bool
}

var sides = []string{"buy", "sell", "hold"}

var purityConfigs = []Config{
	{},
	{GroupBy: []string{"side"}, Columns: []string{"qty", "price"}},
	{GroupBy: []string{"side", "region"}, Sort: []Sort{{Column: "qty", Desc: true}}},
	{GroupBy: []string{"region"}, SplitBy: []string{"side"}, Columns: []string{"qty"}},
	{SplitBy: []string{"side"}, Columns: []string{"qty"}, Sort: []Sort{{Column: "qty"}}},
	{Filter: []Filter{{Column: "qty", Op: ">", Value: 20}}, Columns: []string{"region", "qty"}},
	{GroupBy: []string{"side"}, Aggregates: map[string]string{"qty": "dominant", "price": "avg"}},
}

// An incrementally maintained view must always equal a view computed from
// scratch over the same table.
func TestView_IncrementalEqualsRecompute(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	mutationGen := gen.Struct(reflect.TypeOf(mutation{}), map[string]gopter.Gen{
		"Key":    gen.IntRange(0, 8),
		"Side":   gen.IntRange(0, len(sides)-1),
		"Qty":    gen.IntRange(-50, 50),
		"Remove": gen.Bool(),
	})

	properties.Property("view output is a pure function of the table", prop.ForAll(
		func(steps []mutation) bool {
			tbl, err := table.New(orders(), table.Options{Index: "region"})
			if err != nil {
				return false
			}
			if _, err := tbl.UpdateRecords([]map[string]interface{}{{"region": "seed", "side": "buy", "qty": 1, "price": 1.0}}); err != nil {
				return false
			}
			views := make([]*View, len(purityConfigs))
			for i, cfg := range purityConfigs {
				if views[i], err = New(tbl, cfg, Options{}); err != nil {
					return false
				}
			}

			for _, s := range steps {
				key := string(rune('a' + s.Key))
				if s.Remove {
					_, err = tbl.Remove([]interface{}{key})
				} else {
					_, err = tbl.UpdateRecords([]map[string]interface{}{{
						"region": key, "side": sides[s.Side], "qty": s.Qty, "price": float64(s.Qty) / 4,
					}})
				}
				if err != nil {
					return false
				}
			}

			w := Window{Totals: true, RowPath: true}
			for i, cfg := range purityConfigs {
				fresh, err := New(tbl, cfg, Options{})
				if err != nil {
					return false
				}
				want, err1 := fresh.ToJSON(w)
				got, err2 := views[i].ToJSON(w)
				_ = fresh.Delete()
				if err1 != nil || err2 != nil || !reflect.DeepEqual(want, got) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(mutationGen),
	))

	properties.TestingRun(t)
}

// outputState indexes output rows by identity so that subscriber updates
// can be folded onto it.
type outputState map[string]map[string]interface{}

func identityKey(id interface{}) string {
	data, _ := json.Marshal(id)
	return string(data)
}

func rowIdentity(rec map[string]interface{}) interface{} {
	if id, ok := rec[RowPathColumn]; ok {
		return id
	}
	return rec[RowIDColumn]
}

func newOutputState(rows []map[string]interface{}) outputState {
	st := make(outputState, len(rows))
	for _, rec := range rows {
		st[identityKey(rowIdentity(rec))] = rec
	}
	return st
}

func (st outputState) apply(u *Update) {
	for _, id := range u.Removed {
		delete(st, identityKey(id))
	}
	for _, rec := range u.Rows {
		st[identityKey(rowIdentity(rec))] = rec
	}
}

// Folding every update a subscriber receives onto the output it started
// from must reproduce the current output, ignoring order.
func TestView_UpdatesReproduceOutput(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	mutationGen := gen.Struct(reflect.TypeOf(mutation{}), map[string]gopter.Gen{
		"Key":    gen.IntRange(0, 8),
		"Side":   gen.IntRange(0, len(sides)-1),
		"Qty":    gen.IntRange(-50, 50),
		"Remove": gen.Bool(),
	})

	sources := map[string]table.Options{
		"indexed": {Index: "region"},
		"limited": {Limit: 4},
	}
	for name, opts := range sources {
		opts := opts
		properties.Property("folded updates equal the output of "+name+" tables", prop.ForAll(
			func(steps []mutation) bool {
				tbl, err := table.New(orders(), opts)
				if err != nil {
					return false
				}
				if _, err := tbl.UpdateRecords([]map[string]interface{}{{"region": "seed", "side": "buy", "qty": 1, "price": 1.0}}); err != nil {
					return false
				}

				w := Window{RowPath: true}
				views := make([]*View, len(purityConfigs))
				states := make([]outputState, len(purityConfigs))
				for i, cfg := range purityConfigs {
					if views[i], err = New(tbl, cfg, Options{}); err != nil {
						return false
					}
					initial, err := views[i].ToJSON(w)
					if err != nil {
						return false
					}
					st := newOutputState(initial)
					states[i] = st
					if _, err := views[i].OnUpdate(st.apply); err != nil {
						return false
					}
				}

				for _, s := range steps {
					key := string(rune('a' + s.Key))
					if s.Remove && opts.Index != "" {
						_, err = tbl.Remove([]interface{}{key})
					} else {
						_, err = tbl.UpdateRecords([]map[string]interface{}{{
							"region": key, "side": sides[s.Side], "qty": s.Qty, "price": float64(s.Qty) / 4,
						}})
					}
					if err != nil {
						return false
					}
				}

				for i, v := range views {
					final, err := v.ToJSON(w)
					_ = v.Delete()
					if err != nil || !reflect.DeepEqual(newOutputState(final), states[i]) {
						return false
					}
				}
				return true
			},
			gen.SliceOf(mutationGen),
		))
	}

	properties.TestingRun(t)
}
