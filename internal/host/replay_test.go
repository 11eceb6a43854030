package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/internal/wal"
	"github.com/streamview/streamview/pkg/types"
)

func journaledHost(t *testing.T) (*Host, *wal.WAL) {
	t.Helper()
	w, err := wal.Open(t.TempDir(), wal.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	h := newHost(t)
	h.SetJournal(wal.NewJournal(w))
	return h, w
}

func tableRows(t *testing.T, h *Host) map[string][]map[string]interface{} {
	t.Helper()
	out := make(map[string][]map[string]interface{})
	for _, tbl := range h.Tables() {
		rows, err := tbl.ToJSON()
		require.NoError(t, err)
		out[tbl.Name()] = rows
	}
	return out
}

func TestHost_ReplayRebuildsTables(t *testing.T) {
	src, w := journaledHost(t)

	trades, err := src.CreateTable(tradesSpec())
	require.NoError(t, err)
	_, err = trades.UpdateJSON([]byte(`[{"sym":"AAPL","qty":1},{"sym":"MSFT","qty":2},{"sym":"NVDA","qty":3}]`))
	require.NoError(t, err)
	_, err = trades.UpdateJSON([]byte(`[{"sym":"AAPL","qty":10}]`))
	require.NoError(t, err)
	_, err = trades.Remove([]interface{}{"MSFT"})
	require.NoError(t, err)

	logs, err := src.CreateTable(TableSpec{Name: "log"})
	require.NoError(t, err)
	_, err = logs.UpdateJSON([]byte(`[{"msg":"a","n":1},{"msg":"b","n":2}]`))
	require.NoError(t, err)

	recent, err := src.CreateTable(TableSpec{Name: "recent", Schema: types.NewSchema("n", types.TypeInteger), Limit: 2})
	require.NoError(t, err)
	for _, body := range []string{`[{"n":1},{"n":2}]`, `[{"n":3}]`} {
		_, err = recent.UpdateJSON([]byte(body))
		require.NoError(t, err)
	}

	// A dropped and recreated table replays as its second incarnation.
	_, err = src.CreateTable(TableSpec{Name: "gone", Schema: types.NewSchema("x", types.TypeString)})
	require.NoError(t, err)
	require.NoError(t, src.DeleteTable("gone"))
	gone, err := src.CreateTable(TableSpec{Name: "gone", Schema: types.NewSchema("y", types.TypeFloat)})
	require.NoError(t, err)
	_, err = gone.UpdateJSON([]byte(`[{"y":1.5}]`))
	require.NoError(t, err)

	entries, err := w.Entries()
	require.NoError(t, err)

	dst := newHost(t)
	assert.Equal(t, len(entries), dst.Replay(entries, nil))
	assert.Equal(t, src.TableNames(), dst.TableNames())
	assert.Equal(t, tableRows(t, src), tableRows(t, dst))

	replayed, err := dst.Table("trades")
	require.NoError(t, err)
	assert.Equal(t, "sym", replayed.Options().Index)
	s, err := dst.Table("gone")
	require.NoError(t, err)
	cols, err := s.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, cols)
}

func TestHost_ReplaySkipsCoveredEntries(t *testing.T) {
	src, w := journaledHost(t)
	trades, err := src.CreateTable(tradesSpec())
	require.NoError(t, err)
	_, err = trades.UpdateJSON([]byte(`[{"sym":"AAPL","qty":1},{"sym":"MSFT","qty":2}]`))
	require.NoError(t, err)
	snapshotLSN := w.LSN()
	_, err = trades.UpdateJSON([]byte(`[{"sym":"AAPL","qty":7},{"sym":"NVDA","qty":3}]`))
	require.NoError(t, err)
	_, err = trades.Remove([]interface{}{"MSFT"})
	require.NoError(t, err)

	entries, err := w.Entries()
	require.NoError(t, err)

	// The destination holds the table as a snapshot taken at snapshotLSN.
	dst := newHost(t)
	restored, err := dst.CreateTable(tradesSpec())
	require.NoError(t, err)
	_, err = restored.UpdateJSON([]byte(`[{"sym":"AAPL","qty":1},{"sym":"MSFT","qty":2}]`))
	require.NoError(t, err)

	assert.Equal(t, 2, dst.Replay(entries, map[string]uint64{"trades": snapshotLSN}))
	assert.Equal(t, tableRows(t, src), tableRows(t, dst))
}

func TestHost_ReplaySkipsEntriesThatNoLongerApply(t *testing.T) {
	h := newHost(t)
	entries := []*wal.Entry{
		{LSN: 1, Table: "missing", Kind: wal.KindUpdate},
		{LSN: 2, Table: "t", Kind: wal.KindCreate, Columns: types.NewSchema("v", types.TypeInteger).Columns},
		{LSN: 3, Table: "t", Kind: wal.KindRemove, Rows: []byte("not arrow")},
		{LSN: 4, Table: "t", Kind: "compact"},
		{LSN: 5, Table: "missing", Kind: wal.KindDrop},
	}
	assert.Equal(t, 1, h.Replay(entries, nil))
	assert.Equal(t, []string{"t"}, h.TableNames())
}

func TestHost_ReplayedOpsAreNotJournaled(t *testing.T) {
	src, w := journaledHost(t)
	trades, err := src.CreateTable(tradesSpec())
	require.NoError(t, err)
	_, err = trades.UpdateJSON([]byte(`[{"sym":"AAPL","qty":1}]`))
	require.NoError(t, err)
	entries, err := w.Entries()
	require.NoError(t, err)

	dst, dw := journaledHost(t)
	dst.SetJournal(nil)
	require.Equal(t, 2, dst.Replay(entries, nil))
	dst.SetJournal(wal.NewJournal(dw))
	assert.Zero(t, dw.LSN())

	replayed, err := dst.Table("trades")
	require.NoError(t, err)
	_, err = replayed.UpdateJSON([]byte(`[{"sym":"MSFT","qty":2}]`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dw.LSN())
}
