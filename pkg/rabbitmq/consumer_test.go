package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) inc(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[key]++
	return c.calls[key]
}

func (c *callCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func testHandler(ctx context.Context, msg amqp.Delivery, counter *callCounter) error {
	n := counter.inc(string(msg.Body))
	switch string(msg.Body) {
	case "flaky":
		if n == 1 {
			return errors.New("database restarting")
		}
	case "malformed":
		return errors.Join(ErrNonRetryable, errors.New("cannot decode"))
	case "broken":
		return errors.New("still broken")
	}
	return nil
}

func newTestConsumer(workers int) *consumer[*callCounter] {
	return &consumer[*callCounter]{
		topology:   MergeTopology("", ""),
		handler:    testHandler,
		numWorkers: workers,
		retry:      RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
}

func TestDispatchAcksAndDeadLetters(t *testing.T) {
	ack := &fakeAcknowledger{}
	counter := &callCounter{calls: map[string]int{}}
	deliveries := make(chan amqp.Delivery, 4)
	for tag, body := range []string{"ok", "flaky", "malformed", "broken"} {
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(tag + 1), Body: []byte(body)}
	}
	close(deliveries)

	err := newTestConsumer(2).dispatch(context.Background(), deliveries, counter)
	require.NoError(t, err)

	assert.ElementsMatch(t, []uint64{1, 2}, ack.acked)
	assert.ElementsMatch(t, []uint64{3, 4}, ack.nacked)
	assert.Equal(t, 1, counter.get("ok"))
	assert.Equal(t, 2, counter.get("flaky"))
	assert.Equal(t, 1, counter.get("malformed"), "non-retryable messages are not retried")
	assert.Equal(t, 3, counter.get("broken"))
}

func TestDispatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	deliveries := make(chan amqp.Delivery)
	done := make(chan error, 1)

	go func() {
		done <- newTestConsumer(3).dispatch(ctx, deliveries, &callCounter{calls: map[string]int{}})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not stop after cancel")
	}
}

func TestMergeTopology(t *testing.T) {
	topology := MergeTopology("", "")
	assert.Equal(t, "proctoring_exchange", topology.Exchange)
	assert.Equal(t, amqp.ExchangeTopic, topology.Kind)
	assert.Equal(t, "proctoring_merge_queue", topology.Queue)
	assert.Equal(t, "proctoring.merge.request", topology.RoutingKey)
	assert.Equal(t, "proctoring_exchange_dlx", topology.DLX)

	custom := MergeTopology("exams", "direct")
	assert.Equal(t, "exams", custom.Exchange)
	assert.Equal(t, "direct", custom.Kind)
	assert.Equal(t, "exams_dlx", custom.DLX)
}
