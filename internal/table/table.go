// Package table implements the mutable, typed, in-memory table.
//
// A Table owns a column store, an optional primary-key index and an
// optional row limit. Mutations are serialized by an exclusive lock; each
// update or remove call produces exactly one Delta, which is folded into
// every attached Observer (views) under the lock and then published to the
// table's subscribers in op order once the lock is released.
package table

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/streamview/streamview/internal/arrowcodec"
	"github.com/streamview/streamview/internal/broker"
	"github.com/streamview/streamview/internal/column"
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/schema"
	"github.com/streamview/streamview/pkg/types"
)

// Options configures a Table.
type Options struct {
	// Name identifies the table in logs, metrics and the registry.
	Name string
	// Index names the primary-key column. Empty means no key.
	Index string
	// Limit caps the row count; the oldest rows are evicted first. 0 means
	// unlimited. Mutually exclusive with Index.
	Limit int
	// Coercion selects strict or best-effort value parsing.
	Coercion schema.Mode
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Journal durably records committed deltas. Record runs under the table's
// write lock, after the mutation and before any observer or subscriber sees
// the delta.
type Journal interface {
	Record(t *Table, d *Delta, r Reader) error
}

// Observer is notified of every committed delta. Views implement it.
type Observer interface {
	// Apply runs under the table's write lock and returns a delivery
	// function to call once the lock is released, or nil.
	Apply(d *Delta, r Reader) func()
	// SourceDeleted is called once when the table is deleted.
	SourceDeleted()
}

// Table is a typed, columnar dataset accepting streaming updates.
type Table struct {
	name    string
	opts    Options
	log     *slog.Logger
	coercer schema.Coercer

	mu sync.RWMutex

	// pending holds committed ops awaiting delivery, in op order. Whoever
	// finds draining unset delivers until the queue is empty.
	pendMu   sync.Mutex
	pending  []delivery
	draining bool

	schema  types.Schema
	store   *column.Store
	keyCol  int
	keys    map[interface{}]uint64 // key → row id
	ids     []uint64               // row id per position, ascending
	nextID  uint64
	op      uint64
	deleted bool

	journal   Journal
	observers []Observer
	topic     *broker.Topic
}

// delivery is the notification work of one committed op.
type delivery struct {
	d     *Delta
	views []func()
}

// New creates a table. An empty schema leaves the table unbound until the
// first update, whose columns and values determine the schema.
func New(s types.Schema, opts Options) (*Table, error) {
	if opts.Limit < 0 {
		return nil, errors.NewConfigError(errors.CodeInvalidConfig, "limit must not be negative")
	}
	if opts.Index != "" && opts.Limit > 0 {
		return nil, errors.NewConfigError(errors.CodeInvalidConfig, "index and limit are mutually exclusive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		name:    opts.Name,
		opts:    opts,
		log:     logger.With("table", opts.Name),
		coercer: schema.Coercer{Mode: opts.Coercion},
		keyCol:  -1,
		nextID:  1,
		topic:   broker.NewTopic(opts.Name, logger),
	}
	if s.Len() > 0 {
		if err := t.bind(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// FromBatch creates a table whose schema is inferred from b, then applies b.
func FromBatch(b *column.Batch, opts Options) (*Table, error) {
	t, err := New(types.Schema{}, opts)
	if err != nil {
		return nil, err
	}
	if _, err := t.Update(b); err != nil {
		return nil, err
	}
	return t, nil
}

// FromArrow creates a table from an Arrow IPC stream, taking the schema from
// the stream.
func FromArrow(data []byte, opts Options) (*Table, error) {
	s, b, err := arrowcodec.Decode(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeSchemaError, "decode arrow payload", err)
	}
	t, err := New(s, opts)
	if err != nil {
		return nil, err
	}
	if _, err := t.Update(b); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) bind(s types.Schema) error {
	if err := s.Validate(); err != nil {
		return errors.NewSchemaError(errors.CodeSchemaError, err.Error())
	}
	keyCol := -1
	if t.opts.Index != "" {
		_, idx, ok := s.Lookup(t.opts.Index)
		if !ok {
			return errors.NewSchemaError(errors.CodeUnknownColumn, "index column is not in the schema").
				WithDetails(map[string]interface{}{"column": t.opts.Index})
		}
		keyCol = idx
		t.keys = make(map[interface{}]uint64)
	}
	t.schema = s.Clone()
	t.store = column.NewStore(t.schema)
	t.keyCol = keyCol
	return nil
}

// unbind reverts a schema inferred from a batch that then failed to apply.
func (t *Table) unbind() {
	t.schema = types.Schema{}
	t.store = nil
	t.keyCol = -1
	t.keys = nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Options returns the options the table was created with.
func (t *Table) Options() Options { return t.opts }

// Schema returns the table schema. An unbound table has an empty schema.
func (t *Table) Schema() (types.Schema, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.deleted {
		return types.Schema{}, errors.NewUseAfterDelete("table " + t.name)
	}
	return t.schema.Clone(), nil
}

// Columns returns the column names in schema order.
func (t *Table) Columns() ([]string, error) {
	s, err := t.Schema()
	if err != nil {
		return nil, err
	}
	return s.Names(), nil
}

// Size returns the row count.
func (t *Table) Size() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.deleted {
		return 0, errors.NewUseAfterDelete("table " + t.name)
	}
	return t.rows(), nil
}

// Op returns the number of committed mutations.
func (t *Table) Op() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.op
}

// IsDeleted reports whether Delete has been called.
func (t *Table) IsDeleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted
}

func (t *Table) rows() int {
	if t.store == nil {
		return 0
	}
	return t.store.Len()
}

// UpdateJSON applies a JSON payload: an array of row objects or an object
// of column arrays.
func (t *Table) UpdateJSON(data []byte) (*Delta, error) {
	b, err := column.DecodeJSON(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeSchemaError, "decode json payload", err)
	}
	return t.Update(b)
}

// UpdateArrow applies an Arrow IPC stream.
// An unbound table takes its schema from the stream instead of inferring it.
func (t *Table) UpdateArrow(data []byte) (*Delta, error) {
	s, b, err := arrowcodec.Decode(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeSchemaError, "decode arrow payload", err)
	}
	return t.update(b, s)
}

// UpdateRecords applies row objects.
func (t *Table) UpdateRecords(records []map[string]interface{}) (*Delta, error) {
	return t.Update(column.FromRecords(records))
}

// Update applies a batch atomically. With an index, rows whose key already
// exists overwrite the cells they supply; other rows are appended. The
// returned Delta is also delivered to views and subscribers.
func (t *Table) Update(b *column.Batch) (*Delta, error) {
	return t.update(b, types.Schema{})
}

// update applies b. An unbound table binds to declared when it is not
// empty and to the schema inferred from b otherwise.
func (t *Table) update(b *column.Batch, declared types.Schema) (*Delta, error) {
	start := time.Now()
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return nil, errors.NewUseAfterDelete("table " + t.name)
	}
	if b == nil {
		b = &column.Batch{}
	}
	inferred := false
	if t.store == nil && len(b.Names) > 0 {
		s := declared
		if s.Len() == 0 {
			s = inferSchema(b)
		}
		if err := t.bind(s); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		inferred = true
	}
	if b.Len() == 0 {
		op := t.op
		t.mu.Unlock()
		return newDelta(op), nil
	}

	plan, err := t.plan(b)
	if err != nil {
		if inferred {
			t.unbind()
		}
		t.mu.Unlock()
		observability.UpdatesTotal.WithLabelValues(t.name, "update", "error").Inc()
		return nil, err
	}

	t.op++
	d := newDelta(t.op)
	for _, w := range plan.writes {
		pos := t.position(w.id)
		for _, c := range t.store.Write(pos, w.row) {
			d.addChange(w.id, t.schema.Columns[c.Column].Name, c.Old, c.New)
		}
	}
	if len(plan.inserts) > 0 {
		t.store.Append(plan.inserts)
		for _, row := range plan.inserts {
			id := t.nextID
			t.nextID++
			t.ids = append(t.ids, id)
			if t.keyCol >= 0 {
				t.keys[keyOf(row[t.keyCol])] = id
			}
			d.Inserted.Add(id)
		}
	}
	evicted := t.evict(d)

	inserted, updated, _ := d.Rows()
	observability.UpdatesTotal.WithLabelValues(t.name, "update", "ok").Inc()
	observability.RowsApplied.WithLabelValues(t.name, "inserted").Add(float64(inserted))
	observability.RowsApplied.WithLabelValues(t.name, "updated").Add(float64(updated))
	observability.RowsApplied.WithLabelValues(t.name, "evicted").Add(float64(evicted))
	t.log.Debug("applied batch", "op", d.Op, "inserted", inserted, "updated", updated, "evicted", evicted)

	t.commit(d)
	observability.UpdateDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	return d, nil
}

// Remove deletes the rows with the given primary keys. Unknown keys are
// ignored. It fails with a KeyError when the table has no index.
func (t *Table) Remove(keys []interface{}) (*Delta, error) {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return nil, errors.NewUseAfterDelete("table " + t.name)
	}
	if t.opts.Index == "" {
		t.mu.Unlock()
		observability.UpdatesTotal.WithLabelValues(t.name, "remove", "error").Inc()
		return nil, errors.NewKeyError("remove requires a table index")
	}
	if t.store == nil {
		op := t.op
		t.mu.Unlock()
		return newDelta(op), nil
	}

	keyType := t.schema.Columns[t.keyCol].Type
	var positions []int
	removed := make(map[uint64]bool)
	for i, k := range keys {
		v, err := t.coercer.Coerce(k, keyType)
		if err != nil {
			t.mu.Unlock()
			observability.UpdatesTotal.WithLabelValues(t.name, "remove", "error").Inc()
			return nil, errors.NewTypeMismatch(t.opts.Index, i, k, err.Error())
		}
		id, ok := t.keys[keyOf(v)]
		if !ok || removed[id] {
			continue
		}
		removed[id] = true
		positions = append(positions, t.position(id))
	}
	if len(positions) == 0 {
		op := t.op
		t.mu.Unlock()
		return newDelta(op), nil
	}

	t.op++
	d := newDelta(t.op)
	for _, pos := range positions {
		id := t.ids[pos]
		key := t.store.Value(pos, t.keyCol)
		delete(t.keys, keyOf(key))
		d.Removed.Add(id)
		d.Keys = append(d.Keys, key)
	}
	t.store.DeleteRows(positions)
	kept := t.ids[:0]
	for _, id := range t.ids {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	t.ids = kept

	observability.UpdatesTotal.WithLabelValues(t.name, "remove", "ok").Inc()
	observability.RowsApplied.WithLabelValues(t.name, "removed").Add(float64(len(positions)))
	t.log.Debug("removed rows", "op", d.Op, "removed", len(positions))

	t.commit(d)
	return d, nil
}

// commit folds d into every observer and queues its notifications, then
// releases the write lock. Must be called with t.mu held. Queued ops are
// delivered in op order by a single drainer, so a subscriber may mutate the
// table from its callback: that op is queued and delivered once the current
// one finishes.
func (t *Table) commit(d *Delta) {
	r := reader{t: t}
	if t.journal != nil {
		if err := t.journal.Record(t, d, r); err != nil {
			observability.JournalWrites.WithLabelValues(t.name, "error").Inc()
			t.log.Error("journal write failed", "op", d.Op, "err", err)
		} else {
			observability.JournalWrites.WithLabelValues(t.name, "ok").Inc()
		}
	}
	var views []func()
	for _, obs := range t.observers {
		if fn := obs.Apply(d, r); fn != nil {
			views = append(views, fn)
		}
	}
	t.pendMu.Lock()
	t.pending = append(t.pending, delivery{d: d, views: views})
	t.pendMu.Unlock()
	t.mu.Unlock()
	t.drain()
}

// drain delivers queued ops unless another call is already doing so.
func (t *Table) drain() {
	t.pendMu.Lock()
	if t.draining {
		t.pendMu.Unlock()
		return
	}
	t.draining = true
	for len(t.pending) > 0 {
		next := t.pending[0]
		t.pending[0] = delivery{}
		t.pending = t.pending[1:]
		t.pendMu.Unlock()

		for _, fn := range next.views {
			fn()
		}
		t.topic.Publish(&broker.Message{Op: next.d.Op, Payload: next.d})

		t.pendMu.Lock()
	}
	t.pending = nil
	t.draining = false
	t.pendMu.Unlock()
}

// evict drops the oldest rows beyond the limit and records them in d.
func (t *Table) evict(d *Delta) int {
	if t.opts.Limit <= 0 || t.store.Len() <= t.opts.Limit {
		return 0
	}
	n := t.store.Len() - t.opts.Limit
	positions := make([]int, n)
	for i := 0; i < n; i++ {
		positions[i] = i
		id := t.ids[i]
		if d.Inserted.Contains(id) {
			d.Inserted.Remove(id)
			continue
		}
		d.Updated.Remove(id)
		d.Removed.Add(id)
	}
	t.store.DeleteRows(positions)
	t.ids = append(t.ids[:0], t.ids[n:]...)
	return n
}

// position maps a live row id to its current position.
func (t *Table) position(id uint64) int {
	return sort.Search(len(t.ids), func(i int) bool { return t.ids[i] >= id })
}

// keyOf normalizes a canonical key value for use as a map key.
func keyOf(v interface{}) interface{} {
	if tv, ok := v.(time.Time); ok {
		return tv.UnixNano()
	}
	return v
}

// Attach registers an observer. init runs under the write lock with the
// current contents before any delta reaches obs.
func (t *Table) Attach(obs Observer, init func(Reader) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return errors.NewUseAfterDelete("table " + t.name)
	}
	if init != nil {
		if err := init(reader{t: t}); err != nil {
			return err
		}
	}
	t.observers = append(t.observers, obs)
	return nil
}

// Detach unregisters an observer.
func (t *Table) Detach(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.observers {
		if o == obs {
			t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
			return
		}
	}
}

// SetJournal makes every later op of the table durable through j. A nil j
// stops journaling.
func (t *Table) SetJournal(j Journal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journal = j
}

// NumViews returns the number of attached observers.
func (t *Table) NumViews() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.observers)
}

// OnUpdate subscribes fn to every delta of this table.
func (t *Table) OnUpdate(fn func(*Delta)) (*broker.Subscription, error) {
	return t.Subscribe(broker.SubscriberFunc(func(m *broker.Message) error {
		fn(m.Payload.(*Delta))
		return nil
	}))
}

// Subscribe registers a raw broker subscriber whose messages carry *Delta
// payloads.
func (t *Table) Subscribe(sub broker.Subscriber) (*broker.Subscription, error) {
	if t.IsDeleted() {
		return nil, errors.NewUseAfterDelete("table " + t.name)
	}
	return t.topic.Subscribe(sub)
}

// Unsubscribe cancels a subscription created by OnUpdate or Subscribe.
func (t *Table) Unsubscribe(id string) bool {
	return t.topic.Unsubscribe(id)
}

// Read runs fn with consistent read access to the table contents.
func (t *Table) Read(fn func(Reader) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.deleted {
		return errors.NewUseAfterDelete("table " + t.name)
	}
	return fn(reader{t: t})
}

// ToColumns returns the raw table contents column by column, with dates as
// epoch milliseconds.
func (t *Table) ToColumns() (map[string][]interface{}, error) {
	out := make(map[string][]interface{})
	err := t.Read(func(r Reader) error {
		s := r.Schema()
		for c, def := range s.Columns {
			values := make([]interface{}, r.Len())
			for row := range values {
				values[row] = column.Export(r.Value(row, c))
			}
			out[def.Name] = values
		}
		return nil
	})
	return out, err
}

// ToJSON returns the raw table contents as row objects in position order.
func (t *Table) ToJSON() ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := t.Read(func(r Reader) error {
		s := r.Schema()
		out = make([]map[string]interface{}, r.Len())
		for row := range out {
			rec := make(map[string]interface{}, s.Len())
			for c, def := range s.Columns {
				rec[def.Name] = column.Export(r.Value(row, c))
			}
			out[row] = rec
		}
		return nil
	})
	return out, err
}

// ToArrow serializes the table as an Arrow IPC stream.
func (t *Table) ToArrow() ([]byte, error) {
	var data []byte
	err := t.Read(func(r Reader) error {
		var err error
		data, err = EncodeArrow(r)
		return err
	})
	return data, err
}

// EncodeArrow serializes the contents seen by r as an Arrow IPC stream.
// Called from Read, it yields a stream consistent with r.Op().
func EncodeArrow(r Reader) ([]byte, error) {
	s := r.Schema()
	cols := make([][]interface{}, s.Len())
	for c := range cols {
		cols[c] = make([]interface{}, r.Len())
		for row := range cols[c] {
			cols[c][row] = r.Value(row, c)
		}
	}
	return arrowcodec.Encode(s, cols)
}

// Delete releases the table's storage, marks dependent views as orphaned and
// closes every subscription. Further calls fail with UseAfterDelete.
func (t *Table) Delete() error {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return errors.NewUseAfterDelete("table " + t.name)
	}
	t.deleted = true
	observers := t.observers
	t.observers = nil
	t.store = nil
	t.keys = nil
	t.ids = nil
	t.mu.Unlock()

	for _, obs := range observers {
		obs.SourceDeleted()
	}
	t.topic.Close()
	t.log.Info("table deleted", "views", len(observers))
	return nil
}
