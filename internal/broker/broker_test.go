package broker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/internal/errors"
)

type recorder struct {
	mu   sync.Mutex
	name string
	log  *[]string
	ops  []uint64
}

func (r *recorder) Send(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name)
	r.ops = append(r.ops, msg.Op)
	return nil
}

func TestTopic_DeliversInRegistrationOrder(t *testing.T) {
	var order []string
	topic := NewTopic("t", nil)
	for _, name := range []string{"a", "b", "c"} {
		_, err := topic.Subscribe(&recorder{name: name, log: &order})
		require.NoError(t, err)
	}

	n := topic.Publish(&Message{Op: 1})
	assert.Equal(t, 3, n)
	n = topic.Publish(&Message{Op: 2})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestTopic_SkipsAlreadyDeliveredOps(t *testing.T) {
	var order []string
	r := &recorder{name: "a", log: &order}
	topic := NewTopic("t", nil)
	sub, err := topic.Subscribe(r)
	require.NoError(t, err)

	topic.Publish(&Message{Op: 5})
	topic.Publish(&Message{Op: 5})
	topic.Publish(&Message{Op: 4})
	topic.Publish(&Message{Op: 6})

	assert.Equal(t, []uint64{5, 6}, r.ops)
	assert.Equal(t, uint64(6), sub.Cursor())
}

func TestTopic_FailingSubscriberIsIsolated(t *testing.T) {
	var got []uint64
	topic := NewTopic("t", nil)
	_, err := topic.Subscribe(SubscriberFunc(func(*Message) error {
		return errors.NewTransportError("broken pipe", nil)
	}))
	require.NoError(t, err)
	_, err = topic.Subscribe(SubscriberFunc(func(m *Message) error {
		got = append(got, m.Op)
		return nil
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, topic.Publish(&Message{Op: 1}))
	assert.Equal(t, []uint64{1}, got)
}

func TestTopic_UnsubscribeAndClose(t *testing.T) {
	topic := NewTopic("t", nil)
	var calls atomic.Int32
	sub, err := topic.Subscribe(SubscriberFunc(func(*Message) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, err)

	assert.True(t, topic.Unsubscribe(sub.ID))
	assert.False(t, topic.Unsubscribe(sub.ID))
	topic.Publish(&Message{Op: 1})
	assert.Equal(t, int32(0), calls.Load())

	q := NewQueueSubscriber(SubscriberFunc(func(*Message) error { return nil }), 1, nil)
	_, err = topic.Subscribe(q)
	require.NoError(t, err)
	topic.Close()
	assert.Equal(t, 0, topic.Len())
	assert.ErrorIs(t, q.Send(&Message{}), ErrSubscriberClosed)

	_, err = topic.Subscribe(SubscriberFunc(func(*Message) error { return nil }))
	assert.ErrorIs(t, err, ErrTopicClosed)
}

func TestQueueSubscriber_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Int32
	slow := SubscriberFunc(func(*Message) error {
		<-release
		delivered.Add(1)
		return nil
	})
	q := NewQueueSubscriber(slow, 2, nil)
	defer q.Close()

	// The first message is picked up by the drain goroutine and blocks there.
	require.NoError(t, q.Send(&Message{Op: 1}))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Send(&Message{Op: 2}))
	require.NoError(t, q.Send(&Message{Op: 3}))
	assert.ErrorIs(t, q.Send(&Message{Op: 4}), ErrQueueFull)

	close(release)
	assert.Eventually(t, func() bool { return delivered.Load() == 3 }, time.Second, time.Millisecond)
}

func TestTopic_PublishDoesNotBlockOnSlowQueue(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	topic := NewTopic("t", nil)
	q := NewQueueSubscriber(SubscriberFunc(func(*Message) error {
		<-block
		return nil
	}), 1, nil)
	_, err := topic.Subscribe(q)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 100; i++ {
			topic.Publish(&Message{Op: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
