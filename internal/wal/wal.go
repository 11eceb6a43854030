// Package wal journals committed table ops to local segment files so that
// changes made after the latest snapshot survive a restart.
//
// A segment is a sequence of [length:4][crc32:4][payload] records with
// little-endian headers and JSON payloads. Segments are named
// wal_<segment id as 16 hex digits>.log and roll over at a size limit.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamview/streamview/pkg/types"
)

// DefaultSegmentSize is the rollover size used when Options leaves it unset.
const DefaultSegmentSize = 64 << 20

const headerSize = 8

// Kind is the type of a journal entry.
type Kind string

const (
	// KindCreate records a table created through the host.
	KindCreate Kind = "create"
	// KindUpdate records the full rows an update inserted or overwrote.
	KindUpdate Kind = "update"
	// KindRemove records the index values of removed rows.
	KindRemove Kind = "remove"
	// KindDrop records a deleted table.
	KindDrop Kind = "drop"
)

// Entry is one journal record.
type Entry struct {
	LSN   uint64 `json:"lsn"`
	Table string `json:"table"`
	Kind  Kind   `json:"kind"`
	// Op is the table op the entry was recorded for.
	Op uint64 `json:"op,omitempty"`
	// Columns, Index and Limit describe a created table.
	Columns []types.ColumnDef `json:"columns,omitempty"`
	Index   string            `json:"index,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	// Rows is an Arrow IPC stream: the written rows of an update or the
	// index column of a remove.
	Rows      []byte `json:"rows,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Options configures a WAL.
type Options struct {
	// SegmentSize is the size at which a segment is closed and a new one
	// started.
	SegmentSize int64
	// NoSync skips the fsync after every append.
	NoSync bool
	Logger *slog.Logger
}

// WAL is an append-only journal split into segment files.
type WAL struct {
	dir  string
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	segment   *os.File
	segmentID uint64
	offset    int64
	lsn       uint64
}

// Open opens the journal in dir, creating the directory if needed. A torn
// record at the end of the last segment is cut off.
func Open(dir string, opts Options) (*WAL, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	w := &WAL{dir: dir, opts: opts, log: logger.With("component", "wal")}

	segments, err := w.Segments()
	if err != nil {
		return nil, err
	}
	if n := len(segments); n > 0 {
		id, _ := segmentID(filepath.Base(segments[n-1]))
		w.segmentID = id
		if err := w.recoverTail(segments[n-1]); err != nil {
			return nil, err
		}
		if w.lsn == 0 && n > 1 {
			// The last segment is empty; the highest LSN is in the one before.
			entries, _, err := readSegment(segments[n-2], w.log)
			if err != nil {
				return nil, err
			}
			if len(entries) > 0 {
				w.lsn = entries[len(entries)-1].LSN
			}
		}
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

// recoverTail reads the last segment, remembering its highest LSN and
// truncating anything after the last complete record.
func (w *WAL) recoverTail(path string) error {
	entries, valid, err := readSegment(path, w.log)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		w.lsn = entries[len(entries)-1].LSN
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("wal: failed to stat segment: %w", err)
	}
	if info.Size() > valid {
		w.log.Warn("truncating torn journal tail", "segment", filepath.Base(path), "bytes", info.Size()-valid)
		if err := os.Truncate(path, valid); err != nil {
			return fmt.Errorf("wal: failed to truncate segment: %w", err)
		}
	}
	return nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("wal_%016x.log", id)
}

func segmentID(name string) (uint64, bool) {
	if len(name) != 24 || !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(name[4:20], "%016x", &id); err != nil {
		return 0, false
	}
	return id, true
}

func (w *WAL) openSegment() error {
	path := filepath.Join(w.dir, segmentName(w.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("wal: failed to seek segment: %w", err)
	}
	w.segment = file
	w.offset = offset
	return nil
}

// Append assigns the next LSN to e, writes it and returns the LSN.
func (w *WAL) Append(e *Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return 0, fmt.Errorf("wal: journal is closed")
	}

	e.LSN = w.lsn + 1
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to encode entry: %w", err)
	}
	if err := w.write(payload); err != nil {
		return 0, err
	}
	w.lsn = e.LSN
	return e.LSN, nil
}

func (w *WAL) write(payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.segment.Write(append(header[:], payload...)); err != nil {
		return fmt.Errorf("wal: failed to write entry: %w", err)
	}
	if !w.opts.NoSync {
		if err := w.segment.Sync(); err != nil {
			return fmt.Errorf("wal: failed to fsync: %w", err)
		}
	}
	w.offset += int64(headerSize + len(payload))
	if w.offset >= w.opts.SegmentSize {
		return w.rotate()
	}
	return nil
}

// rotate closes the current segment and starts the next one.
func (w *WAL) rotate() error {
	if err := w.segment.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment: %w", err)
	}
	w.segmentID++
	return w.openSegment()
}

// LSN returns the LSN of the last appended entry.
func (w *WAL) LSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// Segments returns the segment paths in write order.
func (w *WAL) Segments() ([]string, error) {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to read directory: %w", err)
	}
	var paths []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, ok := segmentID(f.Name()); ok {
			paths = append(paths, filepath.Join(w.dir, f.Name()))
		}
	}
	// Fixed-width hex ids sort lexicographically in write order.
	sort.Strings(paths)
	return paths, nil
}

// Entries reads every entry of every segment in LSN order.
func (w *WAL) Entries() ([]*Entry, error) {
	segments, err := w.Segments()
	if err != nil {
		return nil, err
	}
	var all []*Entry
	for _, path := range segments {
		entries, _, err := readSegment(path, w.log)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// Truncate deletes closed segments from the oldest on, as long as covered
// reports true for every entry they hold. It returns the number of
// segments deleted. The segment being written is never deleted, and while
// it is empty neither is the one before it, which holds the last LSN.
func (w *WAL) Truncate(covered func(*Entry) bool) (int, error) {
	w.mu.Lock()
	current := w.segmentID
	if w.offset == 0 && current > 0 {
		current--
	}
	w.mu.Unlock()

	segments, err := w.Segments()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range segments {
		if id, _ := segmentID(filepath.Base(path)); id >= current {
			break
		}
		entries, _, err := readSegment(path, w.log)
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if !covered(e) {
				return removed, nil
			}
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("wal: failed to remove segment: %w", err)
		}
		removed++
		w.log.Debug("journal segment removed", "segment", filepath.Base(path), "entries", len(entries))
	}
	return removed, nil
}

// Close syncs and closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return nil
	}
	err := w.segment.Sync()
	if cerr := w.segment.Close(); err == nil {
		err = cerr
	}
	w.segment = nil
	if err != nil {
		return fmt.Errorf("wal: failed to close: %w", err)
	}
	return nil
}

// ReadEntries reads all intact entries of one segment file.
func ReadEntries(path string) ([]*Entry, error) {
	entries, _, err := readSegment(path, slog.Default())
	return entries, err
}

// readSegment returns the entries of a segment and the offset just past the
// last complete record. Reading stops at a truncated record. Records with a
// bad checksum are skipped.
func readSegment(path string, logger *slog.Logger) ([]*Entry, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wal: failed to read segment: %w", err)
	}
	var (
		entries []*Entry
		off     int64
	)
	for int64(len(data))-off >= headerSize {
		length := int64(binary.LittleEndian.Uint32(data[off : off+4]))
		crc := binary.LittleEndian.Uint32(data[off+4 : off+8])
		end := off + headerSize + length
		if end > int64(len(data)) {
			break
		}
		payload := data[off+headerSize : end]
		if crc32.ChecksumIEEE(payload) != crc {
			logger.Warn("journal checksum mismatch, entry skipped", "segment", filepath.Base(path), "offset", off)
			off = end
			continue
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			logger.Warn("undecodable journal entry skipped", "segment", filepath.Base(path), "offset", off, "err", err)
			off = end
			continue
		}
		entries = append(entries, &e)
		off = end
	}
	return entries, off, nil
}
