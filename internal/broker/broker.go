// Package broker delivers table and view update notifications to ordered
// subscriber lists.
//
// Delivery on a Topic is synchronous and in registration order. Remote
// subscribers are wrapped in a QueueSubscriber so that a slow connection
// never blocks the publisher: when its queue is full the message is dropped
// for that subscriber only.
package broker

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/observability"
)

// Message is one published update.
type Message struct {
	Topic   string
	Op      uint64
	Payload interface{}
}

// Subscriber receives messages for a topic. A returned error is logged and
// counted as a dropped delivery; it never reaches the publisher.
type Subscriber interface {
	Send(msg *Message) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(msg *Message) error

func (f SubscriberFunc) Send(msg *Message) error { return f(msg) }

// Subscription binds a Subscriber to a Topic and tracks the last op
// delivered to it.
type Subscription struct {
	ID    string
	Topic string

	sub    Subscriber
	cursor atomic.Uint64
}

// Cursor returns the op of the last message handed to the subscriber.
func (s *Subscription) Cursor() uint64 { return s.cursor.Load() }

// ErrTopicClosed is returned when subscribing to a closed topic.
var ErrTopicClosed = errors.New(errors.ErrCategoryLifecycle, errors.CodeUseAfterDelete, "topic is closed")

// Topic is an ordered subscription list.
type Topic struct {
	name string
	log  *slog.Logger

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewTopic creates a topic. A nil logger uses slog.Default().
func NewTopic(name string, logger *slog.Logger) *Topic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic{name: name, log: logger}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Subscribe appends a subscriber to the delivery order.
func (t *Topic) Subscribe(sub Subscriber) (*Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTopicClosed
	}
	s := &Subscription{ID: uuid.NewString(), Topic: t.name, sub: sub}
	t.subs = append(t.subs, s)
	return s, nil
}

// Unsubscribe removes a subscription and closes its subscriber when it
// implements io.Closer. It reports whether the id was found.
func (t *Topic) Unsubscribe(id string) bool {
	t.mu.Lock()
	var found *Subscription
	for i, s := range t.subs {
		if s.ID == id {
			found = s
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if found == nil {
		return false
	}
	closeSubscriber(found.sub)
	return true
}

// Len returns the number of subscriptions.
func (t *Topic) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish delivers msg to every subscription in registration order and
// returns how many accepted it. Subscriptions that already saw msg.Op are
// skipped.
func (t *Topic) Publish(msg *Message) int {
	if msg == nil {
		return 0
	}
	msg.Topic = t.name
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	subs := make([]*Subscription, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if msg.Op != 0 && s.cursor.Load() >= msg.Op {
			continue
		}
		s.cursor.Store(msg.Op)
		if err := s.sub.Send(msg); err != nil {
			observability.Notifications.WithLabelValues("dropped").Inc()
			t.log.Warn("dropped notification",
				"topic", t.name, "subscription", s.ID, "op", msg.Op, "err", err)
			continue
		}
		observability.Notifications.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}

// Close removes every subscription, closing subscribers that implement
// io.Closer. Later Subscribe calls fail and Publish becomes a no-op.
func (t *Topic) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, s := range subs {
		closeSubscriber(s.sub)
	}
}

func closeSubscriber(sub Subscriber) {
	if c, ok := sub.(io.Closer); ok {
		_ = c.Close()
	}
}
