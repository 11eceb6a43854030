// Package host binds names to hosted tables and views. It is the single
// entry point used by the WebSocket, HTTP and gRPC front ends.
package host

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/registry"
	"github.com/streamview/streamview/internal/schema"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/internal/view"
	"github.com/streamview/streamview/internal/wal"
	"github.com/streamview/streamview/pkg/types"
)

// Options configures a Host.
type Options struct {
	// Coercion is the default coercion mode of tables created by the host.
	Coercion schema.Mode
	Logger   *slog.Logger
	// Stats records pivot and filter usage of every hosted view.
	Stats *observability.ViewStats
}

// TableSpec describes a table to create.
type TableSpec struct {
	Name   string       `json:"name" yaml:"name"`
	Schema types.Schema `json:"schema" yaml:"schema"`
	Index  string       `json:"index,omitempty" yaml:"index"`
	Limit  int          `json:"limit,omitempty" yaml:"limit"`
}

// Host owns the name registries of tables and views. Tables and views share
// one namespace.
type Host struct {
	// names serializes registrations so a name is never both a table and a
	// view, and so that table lifecycle reaches the journal in order.
	names   sync.Mutex
	journal *wal.Journal
	tables  *registry.Registry[*table.Table]
	views   *registry.Registry[*view.View]
	opts    Options
	log     *slog.Logger
}

// New creates an empty host.
func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = observability.NewViewStats(24 * time.Hour)
	}
	return &Host{
		tables: registry.New[*table.Table]("table"),
		views:  registry.New[*view.View]("view"),
		opts:   opts,
		log:    logger,
	}
}

// Stats returns the view usage statistics.
func (h *Host) Stats() *observability.ViewStats { return h.opts.Stats }

// CreateTable creates and hosts a table. An empty schema leaves the table
// unbound until its first update.
func (h *Host) CreateTable(spec TableSpec) (*table.Table, error) {
	if spec.Name == "" {
		return nil, errors.NewConfigError(errors.CodeInvalidConfig, "table name must not be empty")
	}
	if _, err := h.tables.Lookup(spec.Name); err == nil {
		return nil, errors.Newf(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "table %q already exists", spec.Name)
	}
	if spec.Schema.Len() > 0 {
		if err := spec.Schema.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeSchemaError, "invalid schema", err)
		}
	}
	t, err := table.New(spec.Schema, table.Options{
		Name:     spec.Name,
		Index:    spec.Index,
		Limit:    spec.Limit,
		Coercion: h.opts.Coercion,
		Logger:   h.log,
	})
	if err != nil {
		return nil, err
	}
	if err := h.hostTable(t, true); err != nil {
		return nil, err
	}
	return t, nil
}

// HostTable registers an existing table under its name, typically one
// restored from a snapshot. Its later ops are journaled, its creation is
// not.
func (h *Host) HostTable(t *table.Table) error {
	return h.hostTable(t, false)
}

func (h *Host) hostTable(t *table.Table, created bool) error {
	h.names.Lock()
	defer h.names.Unlock()
	if _, err := h.views.Lookup(t.Name()); err == nil {
		return errors.Newf(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "name %q is taken by a view", t.Name())
	}
	if _, err := h.tables.Lookup(t.Name()); err == nil {
		return errors.Newf(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "table %q already exists", t.Name())
	}
	if created && h.journal != nil {
		s, _ := t.Schema()
		opts := t.Options()
		if err := h.journal.Create(t.Name(), s, opts.Index, opts.Limit); err != nil {
			return errors.NewStorageError(errors.CodeJournalFailed, "journal table creation", err)
		}
	}
	if err := h.tables.Register(t.Name(), t); err != nil {
		return err
	}
	if h.journal != nil {
		t.SetJournal(h.journal)
	}
	h.log.Info("table hosted", "table", t.Name())
	return nil
}

// SetJournal journals the ops of every hosted table and the creation and
// deletion of tables from now on. Call it after Replay.
func (h *Host) SetJournal(j *wal.Journal) {
	h.names.Lock()
	defer h.names.Unlock()
	h.journal = j
	h.tables.Each(func(_ string, t *table.Table) {
		if j == nil {
			t.SetJournal(nil)
			return
		}
		t.SetJournal(j)
	})
}

// Table looks up a hosted table.
func (h *Host) Table(name string) (*table.Table, error) {
	return h.tables.Lookup(name)
}

// Tables returns every hosted table in name order.
func (h *Host) Tables() []*table.Table {
	var out []*table.Table
	h.tables.Each(func(_ string, t *table.Table) { out = append(out, t) })
	return out
}

// TableNames returns the hosted table names in sorted order.
func (h *Host) TableNames() []string { return h.tables.Names() }

// DeleteTable deletes a hosted table. Views over it are orphaned and
// unregistered.
func (h *Host) DeleteTable(name string) error {
	h.names.Lock()
	defer h.names.Unlock()
	t, ok := h.tables.Unregister(name)
	if !ok {
		return errors.NewNotFound("table", name)
	}
	var orphans []string
	h.views.Each(func(n string, v *view.View) {
		if v.Table() == t {
			orphans = append(orphans, n)
		}
	})
	for _, n := range orphans {
		h.views.Unregister(n)
	}
	if err := t.Delete(); err != nil {
		return err
	}
	if h.journal != nil {
		if err := h.journal.Drop(name); err != nil {
			h.log.Error("journal write failed", "table", name, "err", err)
		}
	}
	h.log.Info("table unhosted", "table", name, "views", len(orphans))
	return nil
}

// CreateView creates and hosts a view over the named table. An empty name
// is replaced by a generated one.
func (h *Host) CreateView(name, tableName string, cfg view.Config) (*view.View, error) {
	t, err := h.tables.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = uuid.NewString()
	}
	h.names.Lock()
	defer h.names.Unlock()
	if _, err := h.views.Lookup(name); err == nil {
		return nil, errors.Newf(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "view %q already exists", name)
	}
	if _, err := h.tables.Lookup(name); err == nil {
		return nil, errors.Newf(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "name %q is taken by a table", name)
	}
	v, err := view.New(t, cfg, view.Options{Name: name, Logger: h.log, Stats: h.opts.Stats})
	if err != nil {
		return nil, err
	}
	if err := h.views.Register(name, v); err != nil {
		_ = v.Delete()
		return nil, err
	}
	return v, nil
}

// View looks up a hosted view.
func (h *Host) View(name string) (*view.View, error) {
	return h.views.Lookup(name)
}

// ViewNames returns the hosted view names in sorted order.
func (h *Host) ViewNames() []string { return h.views.Names() }

// DeleteView deletes and unregisters a hosted view.
func (h *Host) DeleteView(name string) error {
	v, ok := h.views.Unregister(name)
	if !ok {
		return errors.NewNotFound("view", name)
	}
	return v.Delete()
}

// Query evaluates cfg once over the named table and returns the windowed
// output rows. The temporary view is never hosted.
func (h *Host) Query(tableName string, cfg view.Config, w view.Window) ([]map[string]interface{}, error) {
	t, err := h.tables.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	v, err := view.New(t, cfg, view.Options{Name: "query:" + tableName, Logger: h.log, Stats: h.opts.Stats})
	if err != nil {
		return nil, err
	}
	defer v.Delete()
	return v.ToJSON(w)
}
