package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/schema"
	"github.com/streamview/streamview/internal/storage"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/pkg/types"
)

func newStore(t *testing.T, opts Options) (*Store, storage.ObjectStorage) {
	t.Helper()
	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	manifest, err := NewManifest(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { manifest.Close() })
	return NewStore(objects, manifest, opts), objects
}

func trades(t *testing.T, name string) *table.Table {
	t.Helper()
	s := types.NewSchema("sym", types.TypeString, "qty", types.TypeInteger, "px", types.TypeFloat)
	s.Columns[0].Nullable = false
	tbl, err := table.New(s, table.Options{Name: name, Index: "sym"})
	require.NoError(t, err)
	_, err = tbl.UpdateRecords([]map[string]interface{}{
		{"sym": "AAPL", "qty": 10, "px": 190.5},
		{"sym": "MSFT", "qty": 3, "px": nil},
	})
	require.NoError(t, err)
	return tbl
}

func TestSaveRestore_RoundTrip(t *testing.T) {
	store, objects := newStore(t, Options{})
	ctx := context.Background()
	src := trades(t, "trades")

	rec, err := store.Save(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "trades", rec.Table)
	assert.Equal(t, int64(2), rec.Rows)
	assert.Equal(t, src.Op(), rec.Op)
	assert.Equal(t, "sym", rec.Index)

	exists, err := objects.Exists(ctx, rec.ObjectPath)
	require.NoError(t, err)
	assert.True(t, exists)

	restored, got, err := store.Restore(ctx, "trades", schema.Strict)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "sym", restored.Options().Index)

	want, err := src.ToJSON()
	require.NoError(t, err)
	have, err := restored.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, want, have)

	s, err := restored.Schema()
	require.NoError(t, err)
	assert.False(t, s.Columns[0].Nullable, "nullability survives the manifest")

	// The restored table keeps its index.
	_, err = restored.UpdateRecords([]map[string]interface{}{{"sym": "AAPL", "qty": 11}})
	require.NoError(t, err)
	size, err := restored.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestRestore_Missing(t *testing.T) {
	store, _ := newStore(t, Options{})
	_, _, err := store.Restore(context.Background(), "nope", schema.BestEffort)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
}

func TestRestore_DetectsCorruption(t *testing.T) {
	store, objects := newStore(t, Options{})
	ctx := context.Background()

	rec, err := store.Save(ctx, trades(t, "trades"))
	require.NoError(t, err)

	data, err := objects.Get(ctx, rec.ObjectPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	_, err = objects.Put(ctx, rec.ObjectPath, data)
	require.NoError(t, err)

	_, _, err = store.Restore(ctx, "trades", schema.BestEffort)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCorruptionDetected, errors.GetCode(err))
}

func TestRestore_ObjectMissing(t *testing.T) {
	store, objects := newStore(t, Options{})
	ctx := context.Background()

	rec, err := store.Save(ctx, trades(t, "trades"))
	require.NoError(t, err)
	require.NoError(t, objects.Delete(ctx, rec.ObjectPath))

	_, _, err = store.Restore(ctx, "trades", schema.BestEffort)
	require.Error(t, err)
	assert.Equal(t, errors.CodeObjectNotFound, errors.GetCode(err))
}

func TestSave_UnboundTable(t *testing.T) {
	store, _ := newStore(t, Options{})
	tbl, err := table.New(types.Schema{}, table.Options{Name: "empty"})
	require.NoError(t, err)

	_, err = store.Save(context.Background(), tbl)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSchemaError, errors.GetCode(err))
}

func TestSave_Retention(t *testing.T) {
	store, objects := newStore(t, Options{Retain: 2})
	ctx := context.Background()
	tbl := trades(t, "trades")

	var ids []string
	for i := 0; i < 4; i++ {
		_, err := tbl.UpdateRecords([]map[string]interface{}{{"sym": "AAPL", "qty": i}})
		require.NoError(t, err)
		rec, err := store.Save(ctx, tbl)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	recs, err := store.Manifest().List(ctx, "trades")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[3], recs[0].ID)
	assert.Equal(t, ids[2], recs[1].ID)

	paths, err := objects.ListObjects(ctx, Prefix+"/trades")
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	restored, _, err := store.Restore(ctx, "trades", schema.BestEffort)
	require.NoError(t, err)
	out, err := restored.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, int64(3), out[0]["qty"])
}

func TestRestoreAll(t *testing.T) {
	store, objects := newStore(t, Options{Concurrency: 2})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Save(ctx, trades(t, name))
		require.NoError(t, err)
	}
	rec, err := store.Manifest().Latest(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, objects.Delete(ctx, rec.ObjectPath))

	tables, failures, err := store.RestoreAll(ctx, schema.BestEffort)
	require.NoError(t, err)
	assert.Len(t, tables, 2)
	assert.Contains(t, tables, "a")
	assert.Contains(t, tables, "b")
	require.Contains(t, failures, "c")
	assert.Equal(t, errors.CodeDownloadFailed, errors.GetCode(failures["c"]))

	size, err := tables["b"].Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestChecksum_Stable(t *testing.T) {
	a := Checksum([]byte("streamview"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, Checksum([]byte("streamview")))
	assert.NotEqual(t, a, Checksum([]byte("streamview!")))
}

func TestScheduler_SkipsUnchangedTables(t *testing.T) {
	store, _ := newStore(t, Options{})
	ctx := context.Background()
	a, b := trades(t, "a"), trades(t, "b")
	sched := NewScheduler(store, func() []*table.Table { return []*table.Table{a, b} }, time.Hour)

	assert.Equal(t, 2, sched.RunOnce(ctx))
	assert.Equal(t, 0, sched.RunOnce(ctx))

	_, err := a.UpdateRecords([]map[string]interface{}{{"sym": "NVDA", "qty": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, sched.RunOnce(ctx))

	require.NoError(t, b.Delete())
	_, err = a.UpdateRecords([]map[string]interface{}{{"sym": "NVDA", "qty": 2}})
	require.NoError(t, err)
	assert.Equal(t, 1, sched.RunOnce(ctx))

	recs, err := store.Manifest().List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestScheduler_StartStop(t *testing.T) {
	store, _ := newStore(t, Options{})
	tbl := trades(t, "t")
	sched := NewScheduler(store, func() []*table.Table { return []*table.Table{tbl} }, 10*time.Millisecond)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	assert.Eventually(t, func() bool {
		recs, err := store.Manifest().List(context.Background(), "t")
		return err == nil && len(recs) == 1
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()

	assert.Error(t, NewScheduler(store, nil, 0).Start(context.Background()))
}

func TestReconcile(t *testing.T) {
	store, objects := newStore(t, Options{})
	ctx := context.Background()

	kept, err := store.Save(ctx, trades(t, "trades"))
	require.NoError(t, err)
	lost, err := store.Save(ctx, trades(t, "other"))
	require.NoError(t, err)
	require.NoError(t, objects.Delete(ctx, lost.ObjectPath))
	_, err = objects.Put(ctx, Prefix+"/trades/crashed.arrow.sz", []byte("partial"))
	require.NoError(t, err)

	orphans, dangling, err := store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)
	assert.Equal(t, 1, dangling)

	paths, err := objects.ListObjects(ctx, Prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ObjectPath}, paths)
	names, err := store.Manifest().Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"trades"}, names)

	orphans, dangling, err = store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans+dangling)
}

func TestSave_RecordsJournalLSN(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "manifest.db")
	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	manifest, err := NewManifest(dbPath)
	require.NoError(t, err)

	lsn := uint64(41)
	store := NewStore(objects, manifest, Options{LSN: func() uint64 { lsn++; return lsn }})
	rec, err := store.Save(ctx, trades(t, "trades"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rec.LSN)
	require.NoError(t, manifest.Close())

	// Reopening an existing manifest keeps the recorded position.
	manifest, err = NewManifest(dbPath)
	require.NoError(t, err)
	defer manifest.Close()
	latest, err := manifest.Latest(ctx, "trades")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, rec.ID, latest.ID)
	assert.Equal(t, uint64(42), latest.LSN)
}
