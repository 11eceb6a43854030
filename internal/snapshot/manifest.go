package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/streamview/streamview/pkg/types"
)

// createSnapshotsTableSQL creates the snapshot catalog. One row describes
// one stored object.
const createSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    object_path TEXT NOT NULL,
    schema_json TEXT NOT NULL,
    index_column TEXT NOT NULL DEFAULT '',
    row_limit INTEGER NOT NULL DEFAULT 0,
    row_count INTEGER NOT NULL,
    op INTEGER NOT NULL,
    journal_lsn INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// addJournalLSNSQL upgrades manifests written before snapshots recorded a
// journal position.
const addJournalLSNSQL = `ALTER TABLE snapshots ADD COLUMN journal_lsn INTEGER NOT NULL DEFAULT 0`

// Snapshot ids are UUIDv7, so ordering by id is ordering by creation time.
const createSnapshotsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_snapshots_table ON snapshots(table_name, snapshot_id)`

// Record is the manifest entry of one snapshot.
type Record struct {
	ID         string       `json:"id"`
	Table      string       `json:"table"`
	ObjectPath string       `json:"object_path"`
	Schema     types.Schema `json:"schema"`
	Index      string       `json:"index,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Rows       int64        `json:"rows"`
	Op         uint64       `json:"op"`
	// LSN is the journal position the snapshot contains: every journaled
	// op of the table up to it is in the snapshot, none after it.
	LSN       uint64    `json:"lsn,omitempty"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Manifest is the SQLite catalog of stored snapshots.
type Manifest struct {
	db *sql.DB
	mu sync.Mutex // single writer
}

// NewManifest opens or creates the manifest database at dbPath.
func NewManifest(dbPath string) (*Manifest, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to open manifest: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{createSnapshotsTableSQL, createSnapshotsIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("snapshot: failed to initialize manifest schema: %w", err)
		}
	}
	if _, err := db.Exec(addJournalLSNSQL); err != nil && !strings.Contains(err.Error(), "duplicate column") {
		db.Close()
		return nil, fmt.Errorf("snapshot: failed to migrate manifest schema: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Register adds a snapshot record.
func (m *Manifest) Register(ctx context.Context, rec *Record) error {
	// The array form keeps nullability.
	schemaJSON, err := json.Marshal(rec.Schema.Columns)
	if err != nil {
		return fmt.Errorf("snapshot: failed to encode schema: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			snapshot_id, table_name, object_path, schema_json,
			index_column, row_limit, row_count, op, journal_lsn,
			checksum, size_bytes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Table, rec.ObjectPath, string(schemaJSON),
		rec.Index, rec.Limit, rec.Rows, int64(rec.Op), int64(rec.LSN),
		rec.Checksum, rec.SizeBytes, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("snapshot: failed to register %s: %w", rec.ID, err)
	}
	return nil
}

const selectRecordSQL = `
	SELECT snapshot_id, table_name, object_path, schema_json,
		index_column, row_limit, row_count, op, journal_lsn,
		checksum, size_bytes, created_at
	FROM snapshots`

// List returns the snapshots of a table, newest first.
func (m *Manifest) List(ctx context.Context, table string) ([]*Record, error) {
	rows, err := m.db.QueryContext(ctx, selectRecordSQL+` WHERE table_name = ? ORDER BY snapshot_id DESC`, table)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to list snapshots: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Latest returns the newest snapshot of a table, or nil when there is none.
func (m *Manifest) Latest(ctx context.Context, table string) (*Record, error) {
	rows, err := m.db.QueryContext(ctx, selectRecordSQL+` WHERE table_name = ? ORDER BY snapshot_id DESC LIMIT 1`, table)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to query latest snapshot: %w", err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Tables returns the names of all tables with at least one snapshot.
func (m *Manifest) Tables(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT DISTINCT table_name FROM snapshots ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes a record.
func (m *Manifest) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, id); err != nil {
		return fmt.Errorf("snapshot: failed to delete %s: %w", id, err)
	}
	return nil
}

// Close closes the manifest database.
func (m *Manifest) Close() error {
	return m.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		var (
			rec        Record
			schemaJSON string
			op         int64
			lsn        int64
			createdAt  int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.Table, &rec.ObjectPath, &schemaJSON,
			&rec.Index, &rec.Limit, &rec.Rows, &op, &lsn,
			&rec.Checksum, &rec.SizeBytes, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("snapshot: failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(schemaJSON), &rec.Schema); err != nil {
			return nil, fmt.Errorf("snapshot: corrupt schema for %s: %w", rec.ID, err)
		}
		rec.Op = uint64(op)
		rec.LSN = uint64(lsn)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
