package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/streamview/streamview/internal/errors"
)

// Client is a remote connection to a Manager.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan clientReply
	handlers map[string]func(json.RawMessage)
	subs     map[string]string // subscription id → on_update request id
	err      error
	done     chan struct{}
}

type clientReply struct {
	Data  json.RawMessage `json:"data"`
	Error *errors.Error   `json:"error"`
}

type clientFrame struct {
	ID string `json:"id"`
	clientReply
}

// Dial connects to a streamview WebSocket endpoint such as
// ws://localhost:8080/ws.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.NewTransportError("dial "+url, err)
	}
	c := &Client{
		conn:     conn,
		pending:  make(map[string]chan clientReply),
		handlers: make(map[string]func(json.RawMessage)),
		subs:     make(map[string]string),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.mu.Lock()
		if ch, ok := c.pending[f.ID]; ok {
			delete(c.pending, f.ID)
			c.mu.Unlock()
			ch <- f.clientReply
			continue
		}
		fn := c.handlers[f.ID]
		c.mu.Unlock()
		if fn != nil {
			fn(f.Data)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := errors.NewTransportError("connection closed", err)
	c.err = e
	for id, ch := range c.pending {
		ch <- clientReply{Error: e}
		delete(c.pending, id)
	}
}

// Call sends one command and decodes the reply data into out, which may be
// nil.
func (c *Client) Call(ctx context.Context, cmd, name string, args, out interface{}) error {
	_, err := c.call(ctx, cmd, name, args, out, nil)
	return err
}

func (c *Client) call(ctx context.Context, cmd, name string, args, out interface{}, onPush func(json.RawMessage)) (string, error) {
	req := Request{ID: strconv.FormatUint(c.nextID.Add(1), 10), Cmd: cmd, Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return "", errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "encode args", err)
		}
		req.Args = raw
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return "", errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "encode request", err)
	}

	ch := make(chan clientReply, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return "", c.err
	}
	c.pending[req.ID] = ch
	if onPush != nil {
		c.handlers[req.ID] = onPush
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return "", errors.NewTransportError("send request", err)
	}

	select {
	case <-ctx.Done():
		c.forget(req.ID)
		return "", ctx.Err()
	case reply := <-ch:
		if reply.Error != nil {
			c.forgetHandler(req.ID)
			return "", reply.Error
		}
		if out != nil && len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, out); err != nil {
				return "", errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "decode reply", err)
			}
		}
		return req.ID, nil
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.handlers, id)
	c.mu.Unlock()
}

func (c *Client) forgetHandler(id string) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

// OnUpdate subscribes to a table or view. fn runs on the client's read
// goroutine for every pushed update, in order. It returns the subscription
// id to pass to Unsubscribe.
func (c *Client) OnUpdate(ctx context.Context, name string, fn func(json.RawMessage)) (string, error) {
	var res struct {
		Subscription string `json:"subscription"`
	}
	id, err := c.call(ctx, CmdOnUpdate, name, nil, &res, fn)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.subs[res.Subscription] = id
	c.mu.Unlock()
	return res.Subscription, nil
}

// Unsubscribe cancels a subscription created by OnUpdate.
func (c *Client) Unsubscribe(ctx context.Context, subscription string) error {
	if err := c.Call(ctx, CmdUnsubscribe, "", &UnsubscribeArgs{Subscription: subscription}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.handlers, c.subs[subscription])
	delete(c.subs, subscription)
	c.mu.Unlock()
	return nil
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
