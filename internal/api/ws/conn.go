package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented connection. Receive blocks until a message
// arrives and returns an error once the connection is closed, which ends
// the session.
type Conn interface {
	Receive() ([]byte, error)
	Send(data []byte) error
	Close() error
}

// socket adapts a gorilla WebSocket to Conn.
type socket struct {
	c         *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex // serializes writers
	closed bool
}

func newSocket(c *websocket.Conn, writeWait time.Duration) *socket {
	return &socket{c: c, writeWait: writeWait}
}

func (s *socket) Receive() ([]byte, error) {
	for {
		typ, data, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	if s.writeWait > 0 {
		_ = s.c.SetWriteDeadline(time.Now().Add(s.writeWait))
	}
	return s.c.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.c.Close()
}

// Handler upgrades HTTP requests to WebSocket connections and serves them.
func (m *Manager) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin checks belong to the fronting proxy.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			m.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		if m.opts.ReadLimit > 0 {
			c.SetReadLimit(m.opts.ReadLimit)
		}
		if err := m.AddConnection(newSocket(c, m.opts.WriteWait)); err != nil {
			m.log.Warn("connection rejected", "remote", r.RemoteAddr, "err", err)
		}
	})
}
