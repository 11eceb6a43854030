// Package ws serves hosted tables and views to remote clients over
// WebSocket.
//
// Every frame is a JSON text message. A request is
//
//	{"id": "1", "cmd": "to_json", "name": "positions", "args": {...}}
//
// and is answered by exactly one reply carrying the same id, either
// {"id": "1", "data": ...} or {"id": "1", "error": {...}}. Updates for an
// on_update subscription are pushed as {"id": <on_update id>, "data": ...}
// after the subscription's reply.
package ws

import (
	"encoding/json"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/view"
)

// Commands understood by the server.
const (
	CmdList        = "list"
	CmdOpen        = "open"
	CmdSchema      = "schema"
	CmdSize        = "size"
	CmdUpdate      = "update"
	CmdRemove      = "remove"
	CmdView        = "view"
	CmdToJSON      = "to_json"
	CmdToColumns   = "to_columns"
	CmdToArrow     = "to_arrow"
	CmdOnUpdate    = "on_update"
	CmdUnsubscribe = "unsubscribe"
	CmdDeleteView  = "delete_view"
)

// Request is one client command.
type Request struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is a reply or a pushed update.
type Response struct {
	ID    string        `json:"id"`
	Data  interface{}   `json:"data,omitempty"`
	Error *errors.Error `json:"error,omitempty"`
}

// UpdateArgs carries an update payload: row objects or column arrays in
// Data, or a base64 Arrow IPC stream in Arrow.
type UpdateArgs struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Arrow []byte          `json:"arrow,omitempty"`
}

// RemoveArgs lists the primary keys to remove.
type RemoveArgs struct {
	Keys []interface{} `json:"keys"`
}

// ViewArgs creates a view. The request name is the source table.
type ViewArgs struct {
	View   string          `json:"view,omitempty"`
	Config json.RawMessage `json:"config"`
}

// UnsubscribeArgs names the subscription to cancel.
type UnsubscribeArgs struct {
	Subscription string `json:"subscription"`
}

// ListResult is the reply to list.
type ListResult struct {
	Tables []string `json:"tables"`
	Views  []string `json:"views"`
}

// OpenResult is the reply to open: the current state of a table or view.
type OpenResult struct {
	Kind    string                   `json:"kind"`
	Name    string                   `json:"name"`
	Schema  interface{}              `json:"schema"`
	Size    int                      `json:"size"`
	Op      uint64                   `json:"op"`
	Columns []string                 `json:"columns,omitempty"`
	Rows    []map[string]interface{} `json:"rows"`
}

// ViewResult is the reply to view.
type ViewResult struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Size    int      `json:"size"`
}

// DeltaResult summarizes an applied update or remove.
type DeltaResult struct {
	Op       uint64 `json:"op"`
	Inserted uint64 `json:"inserted"`
	Updated  uint64 `json:"updated"`
	Removed  uint64 `json:"removed"`
}

// subscribed is the reply to on_update. ready is closed once the reply has
// been written, releasing the first push.
type subscribed struct {
	Subscription string `json:"subscription"`
	ready        chan struct{}
}

// windowArgs decodes optional Window args.
func windowArgs(raw json.RawMessage) (view.Window, error) {
	var w view.Window
	if err := decodeArgs(raw, &w); err != nil {
		return w, err
	}
	return w, nil
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "invalid args", err)
	}
	return nil
}

// WireError converts any error to its wire form. The cause, which is not
// serialized, is folded into the message.
func WireError(err error) *errors.Error {
	e := errors.As(err)
	if e == nil {
		return errors.NewInternalError(err.Error(), nil)
	}
	if e.Cause != nil {
		cp := *e
		cp.Message = e.Message + ": " + e.Cause.Error()
		cp.Cause = nil
		return &cp
	}
	return e
}
