package ws

import (
	"github.com/streamview/streamview/internal/broker"
	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/internal/view"
)

type handlerFunc func(s *session, req *Request) (interface{}, error)

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		CmdList:        (*session).list,
		CmdOpen:        (*session).open,
		CmdSchema:      (*session).schema,
		CmdSize:        (*session).size,
		CmdUpdate:      (*session).update,
		CmdRemove:      (*session).remove,
		CmdView:        (*session).createView,
		CmdToJSON:      (*session).toJSON,
		CmdToColumns:   (*session).toColumns,
		CmdToArrow:     (*session).toArrow,
		CmdOnUpdate:    (*session).onUpdate,
		CmdUnsubscribe: (*session).unsubscribe,
		CmdDeleteView:  (*session).deleteView,
	}
}

func (s *session) dispatch(req *Request) (interface{}, error) {
	h, ok := handlers[req.Cmd]
	if !ok {
		return nil, errors.Newf(errors.ErrCategoryTransport, errors.CodeBadMessage, "unknown command %q", req.Cmd)
	}
	return h(s, req)
}

// target resolves a name to a hosted view or, failing that, a table.
func (s *session) target(name string) (*view.View, *table.Table, error) {
	if v, err := s.m.host.View(name); err == nil {
		return v, nil, nil
	}
	t, err := s.m.host.Table(name)
	if err != nil {
		return nil, nil, errors.NewNotFound("table or view", name)
	}
	return nil, t, nil
}

func (s *session) list(*Request) (interface{}, error) {
	return &ListResult{Tables: s.m.host.TableNames(), Views: s.m.host.ViewNames()}, nil
}

func (s *session) open(req *Request) (interface{}, error) {
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		sch, err := v.Schema()
		if err != nil {
			return nil, err
		}
		cols, err := v.ColumnPaths()
		if err != nil {
			return nil, err
		}
		rows, err := v.ToJSON(view.Window{RowPath: true})
		if err != nil {
			return nil, err
		}
		return &OpenResult{Kind: "view", Name: req.Name, Schema: sch, Size: len(rows), Op: v.Op(), Columns: cols, Rows: rows}, nil
	}

	sch, err := t.Schema()
	if err != nil {
		return nil, err
	}
	rows, err := t.ToJSON()
	if err != nil {
		return nil, err
	}
	return &OpenResult{Kind: "table", Name: req.Name, Schema: sch, Size: len(rows), Op: t.Op(), Columns: sch.Names(), Rows: rows}, nil
}

func (s *session) schema(req *Request) (interface{}, error) {
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.Schema()
	}
	return t.Schema()
}

func (s *session) size(req *Request) (interface{}, error) {
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.NumRows()
	}
	return t.Size()
}

func (s *session) update(req *Request) (interface{}, error) {
	t, err := s.m.host.Table(req.Name)
	if err != nil {
		return nil, err
	}
	var args UpdateArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	var d *table.Delta
	switch {
	case len(args.Arrow) > 0:
		d, err = t.UpdateArrow(args.Arrow)
	case len(args.Data) > 0:
		d, err = t.UpdateJSON(args.Data)
	default:
		return nil, errors.New(errors.ErrCategoryTransport, errors.CodeBadMessage, "update requires data or arrow")
	}
	if err != nil {
		return nil, err
	}
	return deltaResult(d), nil
}

func (s *session) remove(req *Request) (interface{}, error) {
	t, err := s.m.host.Table(req.Name)
	if err != nil {
		return nil, err
	}
	var args RemoveArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	d, err := t.Remove(args.Keys)
	if err != nil {
		return nil, err
	}
	return deltaResult(d), nil
}

func deltaResult(d *table.Delta) *DeltaResult {
	ins, upd, rem := d.Rows()
	return &DeltaResult{Op: d.Op, Inserted: ins, Updated: upd, Removed: rem}
}

func (s *session) createView(req *Request) (interface{}, error) {
	var args ViewArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	cfg := view.Config{}
	if len(args.Config) > 0 && string(args.Config) != "null" {
		var err error
		if cfg, err = view.ParseConfig(args.Config); err != nil {
			return nil, err
		}
	}
	v, err := s.m.host.CreateView(args.View, req.Name, cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.views != nil {
		s.views[v.Name()] = true
	}
	s.mu.Unlock()

	cols, err := v.ColumnPaths()
	if err != nil {
		return nil, err
	}
	n, err := v.NumRows()
	if err != nil {
		return nil, err
	}
	s.log.Debug("view created", "view", v.Name(), "table", req.Name)
	return &ViewResult{Name: v.Name(), Table: req.Name, Columns: cols, Size: n}, nil
}

func (s *session) toJSON(req *Request) (interface{}, error) {
	w, err := windowArgs(req.Args)
	if err != nil {
		return nil, err
	}
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.ToJSON(w)
	}
	rows, err := t.ToJSON()
	if err != nil {
		return nil, err
	}
	return page(rows, w), nil
}

func (s *session) toColumns(req *Request) (interface{}, error) {
	w, err := windowArgs(req.Args)
	if err != nil {
		return nil, err
	}
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.ToColumns(w)
	}
	return t.ToColumns()
}

// toArrow replies with the IPC stream; []byte encodes as base64.
func (s *session) toArrow(req *Request) (interface{}, error) {
	w, err := windowArgs(req.Args)
	if err != nil {
		return nil, err
	}
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.ToArrow(w)
	}
	return t.ToArrow()
}

func (s *session) onUpdate(req *Request) (_ interface{}, err error) {
	v, t, err := s.target(req.Name)
	if err != nil {
		return nil, err
	}

	// Pushes wait on ready until the reply is written. A failed
	// subscription never gets a reply, so release them here.
	ready := make(chan struct{})
	defer func() {
		if err != nil {
			close(ready)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return nil, errors.NewTransportError("connection closed", nil)
	}

	push := broker.SubscriberFunc(func(msg *broker.Message) error {
		<-ready
		return s.send(&Response{ID: req.ID, Data: msg.Payload})
	})
	queue := broker.NewQueueSubscriber(push, s.m.opts.SendBuffer, s.log)

	var sub *broker.Subscription
	var unsubscribe func(string) bool
	if v != nil {
		sub, err = v.Subscribe(queue)
		unsubscribe = v.Unsubscribe
	} else {
		sub, err = t.Subscribe(queue)
		unsubscribe = t.Unsubscribe
	}
	if err != nil {
		queue.Close()
		return nil, err
	}
	s.subs[sub.ID] = func() bool { return unsubscribe(sub.ID) }
	return &subscribed{Subscription: sub.ID, ready: ready}, nil
}

func (s *session) unsubscribe(req *Request) (interface{}, error) {
	var args UnsubscribeArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cancel, ok := s.subs[args.Subscription]
	delete(s.subs, args.Subscription)
	s.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFound("subscription", args.Subscription)
	}
	cancel()
	return map[string]bool{"removed": true}, nil
}

func (s *session) deleteView(req *Request) (interface{}, error) {
	if err := s.m.host.DeleteView(req.Name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.views, req.Name)
	s.mu.Unlock()
	return map[string]bool{"deleted": true}, nil
}

// page applies a window to raw table rows.
func page(rows []map[string]interface{}, w view.Window) []map[string]interface{} {
	start, end := w.StartRow, w.EndRow
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > len(rows) {
		end = len(rows)
	}
	if start >= end {
		return []map[string]interface{}{}
	}
	return rows[start:end]
}
