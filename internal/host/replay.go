package host

import (
	"github.com/streamview/streamview/internal/arrowcodec"
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/wal"
)

// Replay applies journal entries in LSN order. covered maps a table name to
// the journal LSN its restored snapshot already contains; entries of that
// table at or below it are skipped. Entries that no longer apply, such as
// an update of a table that does not exist, are logged and skipped. Replay
// must run before SetJournal so that replayed ops are not journaled twice.
func (h *Host) Replay(entries []*wal.Entry, covered map[string]uint64) int {
	applied := 0
	for _, e := range entries {
		if e.LSN <= covered[e.Table] {
			continue
		}
		if err := h.replay(e); err != nil {
			h.log.Warn("journal entry skipped", "lsn", e.LSN, "table", e.Table, "kind", e.Kind, "err", err)
			continue
		}
		applied++
		observability.JournalReplayed.Inc()
	}
	if applied > 0 {
		h.log.Info("journal replayed", "entries", applied, "tables", len(h.tables.Names()))
	}
	return applied
}

func (h *Host) replay(e *wal.Entry) error {
	switch e.Kind {
	case wal.KindCreate:
		_, err := h.CreateTable(TableSpec{Name: e.Table, Schema: e.Schema(), Index: e.Index, Limit: e.Limit})
		return err
	case wal.KindDrop:
		return h.DeleteTable(e.Table)
	case wal.KindUpdate:
		t, err := h.tables.Lookup(e.Table)
		if err != nil {
			return err
		}
		_, err = t.UpdateArrow(e.Rows)
		return err
	case wal.KindRemove:
		t, err := h.tables.Lookup(e.Table)
		if err != nil {
			return err
		}
		_, keys, err := arrowcodec.Decode(e.Rows)
		if err != nil {
			return errors.NewStorageError(errors.CodeCorruptionDetected, "decode journaled keys", err)
		}
		if len(keys.Columns) != 1 {
			return errors.NewStorageError(errors.CodeCorruptionDetected, "journaled keys must be one column", nil)
		}
		_, err = t.Remove(keys.Columns[0])
		return err
	}
	return errors.Newf(errors.ErrCategoryStorage, errors.CodeCorruptionDetected, "unknown journal entry kind %q", e.Kind)
}
