// Package snapshot persists tables to object storage and restores them.
//
// A snapshot is the table's Arrow IPC stream compressed with snappy and
// stored under snapshots/<table>/<uuidv7>.arrow.sz. Every snapshot is
// recorded in a SQLite manifest together with the table's schema, options
// and a murmur3 checksum of the uncompressed stream, which is verified on
// restore.
package snapshot

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/schema"
	"github.com/streamview/streamview/internal/storage"
	"github.com/streamview/streamview/internal/table"
)

// Prefix is the object path prefix of all snapshots.
const Prefix = "snapshots"

// Options configures a Store.
type Options struct {
	// Retain is the number of snapshots kept per table. 0 keeps all.
	Retain int
	// Concurrency bounds parallel downloads in RestoreAll.
	Concurrency int
	// LSN, when set, returns the current journal position. It is recorded
	// with every snapshot so that replay can skip what the snapshot holds.
	LSN    func() uint64
	Logger *slog.Logger
}

// Store saves and restores table snapshots.
type Store struct {
	storage  storage.ObjectStorage
	manifest *Manifest
	opts     Options
	log      *slog.Logger
}

// NewStore creates a snapshot store.
func NewStore(objects storage.ObjectStorage, manifest *Manifest, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Store{storage: objects, manifest: manifest, opts: opts, log: logger}
}

// Manifest returns the store's manifest.
func (s *Store) Manifest() *Manifest { return s.manifest }

// Checksum returns the hex murmur3 128-bit checksum of data.
func Checksum(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(h1 >> (56 - 8*i))
		b[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}

// Save writes a snapshot of t and records it in the manifest, then prunes
// snapshots beyond the retention count.
func (s *Store) Save(ctx context.Context, t *table.Table) (*Record, error) {
	rec, err := s.save(ctx, t)
	observability.Snapshots.WithLabelValues("save", observability.Status(err)).Inc()
	if err != nil {
		return nil, err
	}
	if err := s.Prune(ctx, t.Name()); err != nil {
		s.log.Warn("snapshot retention failed", "table", t.Name(), "err", err)
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, t *table.Table) (*Record, error) {
	var (
		data []byte
		rows int
		op   uint64
		lsn  uint64
	)
	sch, err := t.Schema()
	if err != nil {
		return nil, err
	}
	if sch.Len() == 0 {
		return nil, errors.NewSchemaError(errors.CodeSchemaError, "table "+t.Name()+" has no schema yet")
	}
	// Journal appends for t happen under its write lock, so the LSN read
	// here splits t's entries exactly at this stream.
	err = t.Read(func(r table.Reader) error {
		rows, op = r.Len(), r.Op()
		if s.opts.LSN != nil {
			lsn = s.opts.LSN()
		}
		var err error
		if data, err = table.EncodeArrow(r); err != nil {
			return errors.NewInternalError("encode snapshot", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("generate snapshot id", err)
	}
	compressed := snappy.Encode(nil, data)
	opts := t.Options()
	rec := &Record{
		ID:         id.String(),
		Table:      t.Name(),
		ObjectPath: path.Join(Prefix, t.Name(), id.String()+".arrow.sz"),
		Schema:     sch,
		Index:      opts.Index,
		Limit:      opts.Limit,
		Rows:       int64(rows),
		Op:         op,
		LSN:        lsn,
		Checksum:   Checksum(data),
		SizeBytes:  int64(len(compressed)),
		CreatedAt:  time.Now().UTC(),
	}

	if _, err := s.storage.Put(ctx, rec.ObjectPath, compressed); err != nil {
		return nil, errors.NewStorageError(errors.CodeUploadFailed, "upload snapshot", err)
	}
	if err := s.manifest.Register(ctx, rec); err != nil {
		_ = s.storage.Delete(ctx, rec.ObjectPath)
		return nil, errors.NewStorageError(errors.CodeUploadFailed, "register snapshot", err)
	}
	s.log.Info("snapshot saved", "table", rec.Table, "snapshot", rec.ID, "rows", rec.Rows, "bytes", rec.SizeBytes)
	return rec, nil
}

// Restore rebuilds the named table from its latest snapshot with the
// recorded schema, index and limit.
func (s *Store) Restore(ctx context.Context, name string, mode schema.Mode) (*table.Table, *Record, error) {
	rec, err := s.manifest.Latest(ctx, name)
	if err != nil {
		return nil, nil, errors.NewStorageError(errors.CodeDownloadFailed, "read manifest", err)
	}
	if rec == nil {
		return nil, nil, errors.NewNotFound("snapshot of table", name)
	}
	compressed, err := s.storage.Get(ctx, rec.ObjectPath)
	if err != nil {
		observability.Snapshots.WithLabelValues("restore", "error").Inc()
		if err == storage.ErrObjectNotFound {
			return nil, nil, errors.NewStorageError(errors.CodeObjectNotFound, "snapshot object missing", err)
		}
		return nil, nil, errors.NewStorageError(errors.CodeDownloadFailed, "download snapshot", err)
	}
	t, err := s.load(rec, compressed, mode)
	observability.Snapshots.WithLabelValues("restore", observability.Status(err)).Inc()
	if err != nil {
		return nil, nil, err
	}
	return t, rec, nil
}

// RestoreAll restores the latest snapshot of every table in the manifest,
// downloading in parallel. Tables that fail are reported in the error map.
func (s *Store) RestoreAll(ctx context.Context, mode schema.Mode) (map[string]*table.Table, map[string]error, error) {
	names, err := s.manifest.Tables(ctx)
	if err != nil {
		return nil, nil, err
	}

	records := make(map[string]*Record, len(names))
	var paths []string
	for _, name := range names {
		rec, err := s.manifest.Latest(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		records[rec.ObjectPath] = rec
		paths = append(paths, rec.ObjectPath)
	}

	result, err := storage.NewFetcher(s.storage, s.opts.Concurrency).Fetch(ctx, paths)
	if err != nil {
		return nil, nil, err
	}

	tables := make(map[string]*table.Table)
	failures := make(map[string]error)
	for _, p := range paths {
		rec := records[p]
		if err, ok := result.Errors[p]; ok {
			failures[rec.Table] = errors.NewStorageError(errors.CodeDownloadFailed, "download snapshot", err)
			continue
		}
		t, err := s.load(rec, result.Objects[p], mode)
		observability.Snapshots.WithLabelValues("restore", observability.Status(err)).Inc()
		if err != nil {
			failures[rec.Table] = err
			continue
		}
		tables[rec.Table] = t
	}
	return tables, failures, nil
}

func (s *Store) load(rec *Record, compressed []byte, mode schema.Mode) (*table.Table, error) {
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeCorruptionDetected, "decompress snapshot "+rec.ID, err)
	}
	if got := Checksum(data); got != rec.Checksum {
		return nil, errors.NewStorageError(errors.CodeCorruptionDetected,
			fmt.Sprintf("snapshot %s checksum mismatch", rec.ID), nil).
			WithDetails(map[string]interface{}{"expected": rec.Checksum, "actual": got})
	}

	t, err := table.New(rec.Schema, table.Options{
		Name:     rec.Table,
		Index:    rec.Index,
		Limit:    rec.Limit,
		Coercion: mode,
		Logger:   s.log,
	})
	if err != nil {
		return nil, err
	}
	if _, err := t.UpdateArrow(data); err != nil {
		return nil, err
	}
	s.log.Info("snapshot restored", "table", rec.Table, "snapshot", rec.ID, "rows", rec.Rows)
	return t, nil
}

// Prune deletes the snapshots of a table beyond the retention count,
// removing the object before the manifest record.
func (s *Store) Prune(ctx context.Context, name string) error {
	if s.opts.Retain <= 0 {
		return nil
	}
	recs, err := s.manifest.List(ctx, name)
	if err != nil {
		return err
	}
	for _, rec := range recs[min(s.opts.Retain, len(recs)):] {
		if err := s.storage.Delete(ctx, rec.ObjectPath); err != nil {
			return err
		}
		if err := s.manifest.Delete(ctx, rec.ID); err != nil {
			return err
		}
		s.log.Debug("snapshot pruned", "table", name, "snapshot", rec.ID)
	}
	return nil
}

// Reconcile repairs storage after a crash between an upload and its
// manifest write, or between the two deletes of Prune. Objects under Prefix
// without a record are deleted and records whose object is missing are
// dropped. It must not run concurrently with Save.
func (s *Store) Reconcile(ctx context.Context) (orphans, dangling int, err error) {
	names, err := s.manifest.Tables(ctx)
	if err != nil {
		return 0, 0, err
	}
	known := make(map[string]bool)
	for _, name := range names {
		recs, err := s.manifest.List(ctx, name)
		if err != nil {
			return orphans, dangling, err
		}
		for _, rec := range recs {
			ok, err := s.storage.Exists(ctx, rec.ObjectPath)
			if err != nil {
				return orphans, dangling, err
			}
			if ok {
				known[rec.ObjectPath] = true
				continue
			}
			if err := s.manifest.Delete(ctx, rec.ID); err != nil {
				return orphans, dangling, err
			}
			dangling++
			s.log.Warn("snapshot object missing, record dropped", "table", name, "snapshot", rec.ID)
		}
	}

	objects, err := s.storage.ListObjects(ctx, Prefix)
	if err != nil {
		return orphans, dangling, err
	}
	for _, p := range objects {
		if known[p] {
			continue
		}
		if err := s.storage.Delete(ctx, p); err != nil {
			return orphans, dangling, err
		}
		orphans++
		s.log.Debug("orphaned snapshot object deleted", "path", p)
	}
	return orphans, dangling, nil
}
