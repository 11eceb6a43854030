package broker

import (
	"log/slog"
	"sync"

	"github.com/streamview/streamview/internal/errors"
)

// ErrQueueFull is returned by QueueSubscriber.Send when the buffer is full.
var ErrQueueFull = errors.New(errors.ErrCategoryTransport, errors.CodeTransportError, "subscriber queue is full")

// ErrSubscriberClosed is returned by QueueSubscriber.Send after Close.
var ErrSubscriberClosed = errors.New(errors.ErrCategoryTransport, errors.CodeTransportError, "subscriber is closed")

// QueueSubscriber decouples a slow Subscriber from the publisher with a
// bounded queue drained by one goroutine. Send never blocks.
type QueueSubscriber struct {
	next Subscriber
	ch   chan *Message
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

// NewQueueSubscriber starts a drain goroutine for next with a buffer of size
// messages.
func NewQueueSubscriber(next Subscriber, size int, logger *slog.Logger) *QueueSubscriber {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &QueueSubscriber{
		next: next,
		ch:   make(chan *Message, size),
		done: make(chan struct{}),
		log:  logger,
	}
	go q.run()
	return q
}

func (q *QueueSubscriber) run() {
	for {
		select {
		case <-q.done:
			return
		case msg := <-q.ch:
			if err := q.next.Send(msg); err != nil {
				q.log.Warn("queued delivery failed", "topic", msg.Topic, "op", msg.Op, "err", err)
			}
		}
	}
}

// Send enqueues msg without blocking.
func (q *QueueSubscriber) Send(msg *Message) error {
	select {
	case <-q.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the drain goroutine. Messages still queued are discarded; a
// delivery already in progress finishes in the background.
func (q *QueueSubscriber) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
