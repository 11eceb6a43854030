package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/host"
	"github.com/streamview/streamview/internal/observability"
)

// Options configures a Manager.
type Options struct {
	// MaxConnections bounds concurrently served connections.
	MaxConnections int
	// MessageRate is the sustained number of requests per second accepted
	// from one connection. 0 disables the limit.
	MessageRate float64
	// MessageBurst is the request burst accepted from one connection.
	MessageBurst int
	// SendBuffer is the number of pushed updates queued per subscription
	// before further updates are dropped for it.
	SendBuffer int
	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64
	// WriteWait bounds one outbound write.
	WriteWait time.Duration
	Logger    *slog.Logger
}

// DefaultOptions returns the default connection limits.
func DefaultOptions() Options {
	return Options{
		MaxConnections: 1024,
		MessageRate:    200,
		MessageBurst:   400,
		SendBuffer:     256,
		ReadLimit:      64 << 20,
		WriteWait:      10 * time.Second,
	}
}

// Manager serves remote connections against a Host. Each connection runs
// on a bounded worker pool and handles its requests in arrival order.
type Manager struct {
	host *host.Host
	opts Options
	log  *slog.Logger
	pool *ants.Pool

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(h *host.Host, opts Options) (*Manager, error) {
	defaults := DefaultOptions()
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaults.MaxConnections
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.MessageRate > 0 && opts.MessageBurst <= 0 {
		opts.MessageBurst = int(opts.MessageRate)
		if opts.MessageBurst < 1 {
			opts.MessageBurst = 1
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		host:     h,
		opts:     opts,
		log:      logger,
		sessions: make(map[string]*session),
	}
	pool, err := ants.NewPool(opts.MaxConnections,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			m.log.Error("connection handler panic", "panic", v)
		}),
	)
	if err != nil {
		return nil, errors.NewInternalError("create connection pool", err)
	}
	m.pool = pool
	return m, nil
}

// AddConnection starts serving conn. It fails, closing conn, when the
// manager is closed or the connection limit is reached.
func (m *Manager) AddConnection(conn Conn) error {
	s := newSession(m, conn)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return errors.NewTransportError("connection manager is closed", nil)
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	err := m.pool.Submit(func() {
		defer m.wg.Done()
		s.serve()
	})
	if err != nil {
		m.remove(s.id)
		m.wg.Done()
		conn.Close()
		return errors.NewTransportError("connection limit reached", err)
	}
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every connection, waits for their sessions to clean up and
// releases the worker pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	m.wg.Wait()
	return m.pool.ReleaseTimeout(3 * time.Second)
}

// session is the server side of one connection.
type session struct {
	id      string
	m       *Manager
	conn    Conn
	log     *slog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu    sync.Mutex
	subs  map[string]func() bool // subscription id → unsubscribe
	views map[string]bool        // views created by this connection
}

func newSession(m *Manager, conn Conn) *session {
	id := uuid.NewString()
	limit := rate.Inf
	if m.opts.MessageRate > 0 {
		limit = rate.Limit(m.opts.MessageRate)
	}
	return &session{
		id:      id,
		m:       m,
		conn:    conn,
		log:     m.log.With("connection", id),
		limiter: rate.NewLimiter(limit, m.opts.MessageBurst),
		subs:    make(map[string]func() bool),
		views:   make(map[string]bool),
	}
}

func (s *session) serve() {
	observability.Connections.Inc()
	defer observability.Connections.Dec()
	defer s.cleanup()
	s.log.Debug("connection opened")

	for {
		data, err := s.conn.Receive()
		if err != nil {
			s.log.Debug("connection closed", "err", err)
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(&Request{}, nil, errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "malformed request", err))
			continue
		}
		if !s.limiter.Allow() {
			s.reply(&req, nil, errors.New(errors.ErrCategoryTransport, errors.CodeRateLimited, "request rate exceeded"))
			continue
		}
		result, err := s.dispatch(&req)
		s.reply(&req, result, err)
	}
}

func (s *session) reply(req *Request, data interface{}, err error) {
	resp := &Response{ID: req.ID, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = WireError(err)
		s.log.Debug("request failed", "cmd", req.Cmd, "name", req.Name, "err", err)
	}
	if err := s.send(resp); err != nil {
		s.log.Debug("reply failed", "cmd", req.Cmd, "err", err)
	}
	if sub, ok := data.(*subscribed); ok {
		close(sub.ready)
	}
}

func (s *session) send(resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(&Response{ID: resp.ID, Error: WireError(errors.NewInternalError("encode response", err))})
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Send(payload)
}

// cleanup cancels the connection's subscriptions and deletes the views it
// created.
func (s *session) cleanup() {
	s.mu.Lock()
	subs := s.subs
	views := s.views
	s.subs = nil
	s.views = nil
	s.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	for name := range views {
		if err := s.m.host.DeleteView(name); err != nil && errors.GetCode(err) != errors.CodeNotFound {
			s.log.Warn("failed to delete connection view", "view", name, "err", err)
		}
	}
	s.conn.Close()
	s.m.remove(s.id)
	s.log.Debug("connection cleaned up", "subscriptions", len(subs), "views", len(views))
}
