package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/host"
	"github.com/streamview/streamview/internal/snapshot"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/internal/view"
	"github.com/streamview/streamview/pkg/types"
)

// ArrowStreamType is the media type of Arrow IPC stream payloads.
const ArrowStreamType = "application/vnd.apache.arrow.stream"

// TableInfo describes a hosted table.
type TableInfo struct {
	Name   string       `json:"name"`
	Schema types.Schema `json:"schema"`
	Index  string       `json:"index,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Size   int          `json:"size"`
	Op     uint64       `json:"op"`
	Views  int          `json:"views"`
}

// DeltaResponse summarizes an applied update or remove.
type DeltaResponse struct {
	Op        uint64 `json:"op"`
	Inserted  uint64 `json:"inserted"`
	Updated   uint64 `json:"updated"`
	Removed   uint64 `json:"removed"`
	RequestID string `json:"request_id"`
}

// RemoveRequest lists the primary keys to remove.
type RemoveRequest struct {
	Keys []interface{} `json:"keys"`
}

// QueryRequest evaluates a view config once.
type QueryRequest struct {
	Config view.Config `json:"config"`
	Window view.Window `json:"window"`
}

// QueryResponse carries the rows of a one-shot view.
type QueryResponse struct {
	Rows      []map[string]interface{} `json:"rows"`
	RequestID string                   `json:"request_id"`
}

// TableHandler serves the /v1/tables API.
type TableHandler struct {
	host      *host.Host
	snapshots *snapshot.Store
	maxBody   int64
	log       *slog.Logger
}

// NewTableHandler creates a table handler. snapshots may be nil, which
// disables the snapshot endpoint.
func NewTableHandler(h *host.Host, snapshots *snapshot.Store, maxBody int64, logger *slog.Logger) *TableHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = 64 << 20
	}
	return &TableHandler{host: h, snapshots: snapshots, maxBody: maxBody, log: logger}
}

// Register adds the table routes to mux, each wrapped by mw.
func (h *TableHandler) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"POST /v1/tables":                 h.create,
		"GET /v1/tables":                  h.list,
		"GET /v1/tables/{name}":           h.get,
		"DELETE /v1/tables/{name}":        h.delete,
		"POST /v1/tables/{name}/update":   h.update,
		"POST /v1/tables/{name}/remove":   h.remove,
		"POST /v1/tables/{name}/query":    h.query,
		"GET /v1/tables/{name}/arrow":     h.arrow,
		"POST /v1/tables/{name}/snapshot": h.snapshot,
		"GET /v1/stats":                   h.stats,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, mw(fn))
	}
}

func (h *TableHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "failed to read request body", err)
	}
	return data, nil
}

func (h *TableHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	data, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if e := errors.As(err); e != nil {
			return e
		}
		return errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "invalid request body", err)
	}
	return nil
}

func info(t *table.Table) (*TableInfo, error) {
	s, err := t.Schema()
	if err != nil {
		return nil, err
	}
	size, err := t.Size()
	if err != nil {
		return nil, err
	}
	opts := t.Options()
	return &TableInfo{
		Name:   t.Name(),
		Schema: s,
		Index:  opts.Index,
		Limit:  opts.Limit,
		Size:   size,
		Op:     t.Op(),
		Views:  t.NumViews(),
	}, nil
}

func (h *TableHandler) create(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	var spec host.TableSpec
	if err := h.decode(w, r, &spec); err != nil {
		writeError(w, err, requestID)
		return
	}
	t, err := h.host.CreateTable(spec)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	ti, err := info(t)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, ti)
}

func (h *TableHandler) list(w http.ResponseWriter, r *http.Request) {
	tables := []*TableInfo{}
	for _, t := range h.host.Tables() {
		ti, err := info(t)
		if err != nil {
			// Deleted between listing and inspection.
			continue
		}
		tables = append(tables, ti)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (h *TableHandler) get(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	t, err := h.host.Table(r.PathValue("name"))
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	ti, err := info(t)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, ti)
}

func (h *TableHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.host.DeleteTable(r.PathValue("name")); err != nil {
		writeError(w, err, GetRequestID(r.Context()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TableHandler) update(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	t, err := h.host.Table(r.PathValue("name"))
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, err, requestID)
		return
	}

	var d *table.Delta
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == ArrowStreamType {
		d, err = t.UpdateArrow(body)
	} else {
		d, err = t.UpdateJSON(body)
	}
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, deltaResponse(d, requestID))
}

func (h *TableHandler) remove(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	t, err := h.host.Table(r.PathValue("name"))
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	var req RemoveRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err, requestID)
		return
	}
	d, err := t.Remove(req.Keys)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, deltaResponse(d, requestID))
}

func deltaResponse(d *table.Delta, requestID string) *DeltaResponse {
	ins, upd, rem := d.Rows()
	return &DeltaResponse{Op: d.Op, Inserted: ins, Updated: upd, Removed: rem, RequestID: requestID}
}

func (h *TableHandler) query(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	var req QueryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err, requestID)
		return
	}
	rows, err := h.host.Query(r.PathValue("name"), req.Config, req.Window)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, &QueryResponse{Rows: rows, RequestID: requestID})
}

func (h *TableHandler) arrow(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	t, err := h.host.Table(r.PathValue("name"))
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	data, err := t.ToArrow()
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", ArrowStreamType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Debug("arrow response write failed", "table", t.Name(), "err", err)
	}
}

func (h *TableHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.snapshots == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error:     errors.NewConfigError(errors.CodeInvalidConfig, "snapshots are disabled"),
			RequestID: requestID,
		})
		return
	}
	t, err := h.host.Table(r.PathValue("name"))
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	rec, err := h.snapshots.Save(r.Context(), t)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *TableHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.host.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pivots":  stats.TopPivots(20),
		"filters": stats.TopFilters(20),
	})
}
