// Package view implements derived projections over a table: group-by and
// split-by pivots, aggregates, sorting, filtering and column selection.
//
// A View caches its last output. Every committed table delta that can
// affect the output triggers a recompute under the table's write lock; the
// result is diffed against the cache and the changed rows are published to
// the view's subscribers after the lock is released. The output is
// therefore always equal to a from-scratch computation over the table.
package view

import (
	"log/slog"
	"sync"

	"github.com/streamview/streamview/internal/arrowcodec"
	"github.com/streamview/streamview/internal/broker"
	"github.com/streamview/streamview/internal/column"
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/pkg/types"
)

const (
	// RowPathColumn holds the group path of a row in grouped output.
	RowPathColumn = "__ROW_PATH__"
	// RowIDColumn holds the source row id of a row in flat output.
	RowIDColumn = "__ROW_ID__"
)

// Options configures a View.
type Options struct {
	// Name identifies the view in logs and the registry.
	Name   string
	Logger *slog.Logger
	// Stats, when set, records pivot and filter usage.
	Stats *observability.ViewStats
}

// Window selects a slice of the output.
type Window struct {
	// StartRow is the first row, inclusive.
	StartRow int `json:"start_row,omitempty"`
	// EndRow is the last row, exclusive. 0 means the end of the output.
	EndRow int `json:"end_row,omitempty"`
	// Totals prepends the grand-total row of a grouped view, whose row path
	// is empty.
	Totals bool `json:"totals,omitempty"`
	// RowPath adds the row identity to every row.
	RowPath bool `json:"row_path,omitempty"`
}

// View is a read-only projection of a table.
type View struct {
	name string
	src  *table.Table
	cfg  Config
	plan *plan
	log  *slog.Logger

	mu       sync.RWMutex
	snap     *snapshot
	op       uint64
	deleted  bool
	orphaned bool

	topic *broker.Topic
}

// New creates a view over src. The config is validated against the table
// schema; a table that has not received its first batch has no schema yet
// and cannot be viewed.
func New(src *table.Table, cfg Config, opts Options) (*View, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &View{
		name:  opts.Name,
		src:   src,
		cfg:   cfg,
		log:   logger.With("view", opts.Name, "table", src.Name()),
		topic: broker.NewTopic(opts.Name, logger),
	}
	err := src.Attach(v, func(r table.Reader) error {
		p, err := resolve(cfg, r.Schema())
		if err != nil {
			return err
		}
		v.plan = p
		v.snap = compute(p, r)
		v.op = r.Op()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Stats != nil {
		for _, c := range cfg.GroupBy {
			opts.Stats.RecordPivot(c)
		}
		for _, c := range cfg.SplitBy {
			opts.Stats.RecordPivot(c)
		}
		for _, f := range cfg.Filter {
			opts.Stats.RecordFilter(f.Column, f.Op)
		}
	}
	v.log.Debug("view created", "rows", len(v.snap.rows), "columns", len(v.snap.columns))
	return v, nil
}

// Name returns the view name.
func (v *View) Name() string { return v.name }

// Table returns the source table.
func (v *View) Table() *table.Table { return v.src }

// Apply recomputes the output for a committed delta. It runs under the
// table's write lock.
func (v *View) Apply(d *table.Delta, r table.Reader) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.deleted || v.orphaned {
		return nil
	}
	v.op = d.Op
	if !d.Touches(v.plan.refs) {
		return nil
	}

	next := compute(v.plan, r)
	u := diff(d.Op, v.cfg.GroupBy, v.snap, next)
	v.snap = next
	if u.Empty() {
		return nil
	}
	return func() {
		v.topic.Publish(&broker.Message{Topic: v.name, Op: u.Op, Payload: u})
	}
}

// SourceDeleted orphans the view and closes its subscriptions.
func (v *View) SourceDeleted() {
	v.mu.Lock()
	v.orphaned = true
	v.snap = nil
	v.mu.Unlock()
	v.topic.Close()
	v.log.Debug("source table deleted")
}

// read runs fn under the view's read lock after the lifecycle checks.
func (v *View) read(fn func(s *snapshot) error) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.deleted {
		return errors.NewUseAfterDelete("view " + v.name)
	}
	if v.orphaned {
		return errors.NewSourceDeleted("view " + v.name)
	}
	return fn(v.snap)
}

// Config returns the view config.
func (v *View) Config() Config { return v.cfg }

// Op returns the last table op the view has observed.
func (v *View) Op() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.op
}

// NumRows returns the number of output rows, excluding the total row.
func (v *View) NumRows() (int, error) {
	var n int
	err := v.read(func(s *snapshot) error {
		n = len(s.rows)
		return nil
	})
	return n, err
}

// ColumnPaths returns the output column names: the group_by columns followed
// by the value columns, with split families expanded as "value|...|column".
func (v *View) ColumnPaths() ([]string, error) {
	var names []string
	err := v.read(func(s *snapshot) error {
		names = append(append(names, v.cfg.GroupBy...), s.columnNames()...)
		return nil
	})
	return names, err
}

// Schema returns the output column types. Aggregated columns take the
// aggregate's result type.
func (v *View) Schema() (types.Schema, error) {
	var out types.Schema
	err := v.read(func(s *snapshot) error {
		out = v.outputSchema(s)
		return nil
	})
	return out, err
}

func (v *View) outputSchema(s *snapshot) types.Schema {
	var out types.Schema
	for _, idx := range v.plan.groupIdx {
		def := v.plan.schema.Columns[idx]
		out.Columns = append(out.Columns, types.ColumnDef{Name: def.Name, Type: def.Type, Nullable: true})
	}
	for _, c := range s.columns {
		out.Columns = append(out.Columns, types.ColumnDef{Name: c.name, Type: c.typ, Nullable: true})
	}
	return out
}

// window returns the rows selected by w in traversal order.
func (v *View) window(s *snapshot, w Window) []*outRow {
	start, end := w.StartRow, w.EndRow
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > len(s.rows) {
		end = len(s.rows)
	}
	var rows []*outRow
	if w.Totals && s.total != nil {
		rows = append(rows, s.total)
	}
	for i := start; i < end; i++ {
		rows = append(rows, &s.rows[i])
	}
	return rows
}

// ToJSON returns the output rows as objects in depth-first sort order.
func (v *View) ToJSON(w Window) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := v.read(func(s *snapshot) error {
		rows := v.window(s, w)
		out = make([]map[string]interface{}, len(rows))
		for i, row := range rows {
			out[i] = renderRow(v.cfg.GroupBy, s.columns, row, w.RowPath)
		}
		return nil
	})
	return out, err
}

// ToColumns returns the output column by column, in the same row order as
// ToJSON.
func (v *View) ToColumns(w Window) (map[string][]interface{}, error) {
	out := make(map[string][]interface{})
	err := v.read(func(s *snapshot) error {
		rows := v.window(s, w)
		schema := v.outputSchema(s)
		cols := v.columnValues(s, rows)
		for i, def := range schema.Columns {
			values := make([]interface{}, len(rows))
			for r, val := range cols[i] {
				values[r] = column.Export(val)
			}
			out[def.Name] = values
		}
		if w.RowPath {
			ids := make([]interface{}, len(rows))
			for r, row := range rows {
				ids[r] = identity(row)
			}
			if v.plan.grouped() {
				out[RowPathColumn] = ids
			} else {
				out[RowIDColumn] = ids
			}
		}
		return nil
	})
	return out, err
}

// ToArrow serializes the output window as an Arrow IPC stream.
func (v *View) ToArrow(w Window) ([]byte, error) {
	var data []byte
	err := v.read(func(s *snapshot) error {
		rows := v.window(s, w)
		var err error
		data, err = arrowcodec.Encode(v.outputSchema(s), v.columnValues(s, rows))
		return err
	})
	return data, err
}

// columnValues returns canonical values per output schema column.
func (v *View) columnValues(s *snapshot, rows []*outRow) [][]interface{} {
	groups := len(v.plan.groupIdx)
	cols := make([][]interface{}, groups+len(s.columns))
	for i := range cols {
		cols[i] = make([]interface{}, len(rows))
	}
	for r, row := range rows {
		for g := 0; g < groups && g < len(row.path); g++ {
			cols[g][r] = row.path[g]
		}
		for c, val := range row.values {
			cols[groups+c][r] = val
		}
	}
	return cols
}

// OnUpdate subscribes fn to the view's updates. fn receives only the rows
// that changed.
func (v *View) OnUpdate(fn func(*Update)) (*broker.Subscription, error) {
	return v.Subscribe(broker.SubscriberFunc(func(m *broker.Message) error {
		fn(m.Payload.(*Update))
		return nil
	}))
}

// Subscribe registers a raw broker subscriber whose messages carry *Update
// payloads.
func (v *View) Subscribe(sub broker.Subscriber) (*broker.Subscription, error) {
	if err := v.read(func(*snapshot) error { return nil }); err != nil {
		return nil, err
	}
	return v.topic.Subscribe(sub)
}

// Unsubscribe cancels a subscription.
func (v *View) Unsubscribe(id string) bool {
	return v.topic.Unsubscribe(id)
}

// Delete detaches the view from its table, releases the cached output and
// closes its subscriptions.
func (v *View) Delete() error {
	v.mu.RLock()
	deleted := v.deleted
	v.mu.RUnlock()
	if deleted {
		return errors.NewUseAfterDelete("view " + v.name)
	}

	v.src.Detach(v)
	v.mu.Lock()
	if v.deleted {
		v.mu.Unlock()
		return errors.NewUseAfterDelete("view " + v.name)
	}
	v.deleted = true
	v.snap = nil
	v.mu.Unlock()

	v.topic.Close()
	v.log.Debug("view deleted")
	return nil
}
