package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gatherly/courier-go/contracts"
	"github.com/gatherly/courier-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records ack and nack calls without a broker.
type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue []bool
	ackErr  error
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks++
	return f.ackErr
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacks++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacks++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func newTestConsumer(t *testing.T, handler Handler[contracts.EventPublishedJob], options ...ConsumerOption) *Consumer[contracts.EventPublishedJob] {
	t.Helper()
	c, err := NewConsumer[contracts.EventPublishedJob](nil, "event.published", handler, options...)
	require.NoError(t, err)
	return c
}

func jobDelivery(t *testing.T, ack *fakeAcknowledger, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(contracts.EventPublishedJob{
		JobMeta: contracts.JobMeta{ID: "job-1", Type: contracts.TypeEventPublished, Timestamp: 1700000000000},
		EventID: 42,
	})
	require.NoError(t, err)

	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Exchange:     "gatherly.jobs",
		RoutingKey:   "event.published",
		ContentType:  "application/json",
		Headers:      headers,
		Body:         body,
	}
}

func TestNewConsumer(t *testing.T) {
	t.Run("rejects nil handler", func(t *testing.T) {
		_, err := NewConsumer[contracts.EventPublishedJob](nil, "event.published", nil)
		assert.Error(t, err)
	})

	t.Run("rejects invalid options", func(t *testing.T) {
		handler := HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
			return nil
		})
		_, err := NewConsumer[contracts.EventPublishedJob](nil, "event.published", handler, WithRetryAttempts(-1))
		assert.Error(t, err)
	})

	t.Run("exposes the queue name", func(t *testing.T) {
		c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
			return nil
		}))
		assert.Equal(t, "event.published", c.Queue())
	})
}

func TestStartAlreadyStarted(t *testing.T) {
	c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		return nil
	}))
	c.started = true

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestProcessDeliverySuccess(t *testing.T) {
	var handled *contracts.EventPublishedJob
	c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		handled = &job
		return nil
	}))
	c.logger = slog.Default()

	ack := &fakeAcknowledger{}
	c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

	require.NotNil(t, handled)
	assert.Equal(t, int64(42), handled.EventID)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestProcessDeliveryRetry(t *testing.T) {
	handlerErr := errors.New("downstream unavailable")
	failing := HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		return handlerErr
	})

	t.Run("first failure is republished to the delay queue and acked", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "event.published.retry", false, false, mock.Anything).Return(nil)
		c := newTestConsumer(t, failing)
		c.publish = ch

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

		ch.AssertExpectations(t)
		assert.Equal(t, 1, ack.acks)
		assert.Equal(t, 0, ack.nacks)

		publishing := ch.Calls[0].Arguments.Get(5).(amqp.Publishing)
		assert.Equal(t, int32(1), publishing.Headers[contracts.HeaderRetryCount])
		assert.Equal(t, "downstream unavailable", publishing.Headers[contracts.HeaderLastError])
		assert.Equal(t, amqp.Persistent, publishing.DeliveryMode)
	})

	t.Run("retry count from headers is incremented and persisted", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "event.published.retry", false, false, mock.Anything).Return(nil)
		c := newTestConsumer(t, failing)
		c.publish = ch

		ack := &fakeAcknowledger{}
		delivery := jobDelivery(t, ack, amqp.Table{contracts.HeaderRetryCount: int32(2)})
		c.processDelivery(context.Background(), delivery)

		publishing := ch.Calls[0].Arguments.Get(5).(amqp.Publishing)
		assert.Equal(t, int32(3), publishing.Headers[contracts.HeaderRetryCount])
		assert.Equal(t, delivery.Body, []byte(publishing.Body))
		assert.Equal(t, 1, ack.acks)
	})

	t.Run("exhausted budget dead-letters without requeue", func(t *testing.T) {
		ch := &mockChannel{}
		c := newTestConsumer(t, failing)
		c.publish = ch

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, amqp.Table{contracts.HeaderRetryCount: int32(3)}))

		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 0, ack.acks)
		require.Equal(t, 1, ack.nacks)
		assert.False(t, ack.requeue[0])
	})

	t.Run("failed republish falls back to requeue", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "event.published.retry", false, false, mock.Anything).Return(errors.New("channel closed"))
		c := newTestConsumer(t, failing)
		c.publish = ch

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

		assert.Equal(t, 0, ack.acks)
		require.Equal(t, 1, ack.nacks)
		assert.True(t, ack.requeue[0])
	})

	t.Run("zero retry delay republishes straight to the work queue", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "event.published", false, false, mock.Anything).Return(nil)
		c := newTestConsumer(t, failing, WithRetryDelay(0))
		c.publish = ch

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

		ch.AssertExpectations(t)
		assert.Equal(t, 1, ack.acks)
	})

	t.Run("zero retry attempts dead-letters immediately", func(t *testing.T) {
		ch := &mockChannel{}
		c := newTestConsumer(t, failing, WithRetryAttempts(0))
		c.publish = ch

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

		require.Equal(t, 1, ack.nacks)
		assert.False(t, ack.requeue[0])
	})
}

func TestProcessDeliveryMalformedPayload(t *testing.T) {
	handlerCalled := false
	c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		handlerCalled = true
		return nil
	}))
	ch := &mockChannel{}
	ch.On("PublishWithContext", mock.Anything, "", "event.published.retry", false, false, mock.Anything).Return(nil)
	c.publish = ch

	ack := &fakeAcknowledger{}
	c.processDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Body:         []byte("{not json"),
	})

	assert.False(t, handlerCalled)
	ch.AssertExpectations(t)
	assert.Equal(t, 1, ack.acks)
}

func TestProcessDeliveryNoAck(t *testing.T) {
	t.Run("success skips ack", func(t *testing.T) {
		c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
			return nil
		}), WithNoAck(true))

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

		assert.Equal(t, 0, ack.acks)
		assert.Equal(t, 0, ack.nacks)
	})

	t.Run("failure cannot be retried", func(t *testing.T) {
		c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
			return errors.New("fail")
		}), WithNoAck(true))
		ch := &mockChannel{}
		c.publish = ch

		ack := &fakeAcknowledger{}
		c.processDelivery(context.Background(), jobDelivery(t, ack, nil))

		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 0, ack.acks)
		assert.Equal(t, 0, ack.nacks)
	})
}

func TestHandlerReceivesEnvelope(t *testing.T) {
	var got *contracts.MessageEnvelope
	c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		got = envelope
		return nil
	}))

	ack := &fakeAcknowledger{}
	headers := amqp.Table{
		contracts.HeaderRetryCount: int32(2),
		contracts.HeaderLastError:  "downstream unavailable",
	}
	c.processDelivery(context.Background(), jobDelivery(t, ack, headers))

	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.DeliveryTag)
	assert.Equal(t, "gatherly.jobs", got.Exchange)
	assert.Equal(t, "event.published", got.RoutingKey)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "downstream unavailable", got.LastError)
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	handler := HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		close(entered)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	})

	conn := rabbitmq.NewConnectionManager("amqp://localhost:5672/", "gatherly.jobs")
	c, err := NewConsumer[contracts.EventPublishedJob](conn, "event.published", handler)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.consumerTag = "event.published.inflight"
	c.started = true

	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- jobDelivery(t, ack, nil)
	go c.consumeLoop(loopCtx, deliveries)

	<-entered
	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()

	// Stop must block while the delivery is in flight.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the handler completed")
	}

	// The in-flight handler ran to completion with a live context and the
	// delivery was acked, not scheduled for retry.
	assert.NoError(t, handlerCtxErr)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestConsumeLoopResetsAfterSessionDrop(t *testing.T) {
	handler := HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		return nil
	})
	conn := rabbitmq.NewConnectionManager("amqp://localhost:5672/", "gatherly.jobs",
		rabbitmq.WithDialer(func(url string) (*amqp.Connection, error) {
			return nil, errors.New("dial tcp: connection refused")
		}),
		rabbitmq.WithMaxReconnectAttempts(0),
	)
	defer conn.Close()

	c, err := NewConsumer[contracts.EventPublishedJob](conn, "event.published", handler)
	require.NoError(t, err)
	c.done = make(chan struct{})
	c.consumerTag = "event.published.dropped"
	c.started = true

	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	c.consumeLoop(context.Background(), deliveries)

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	assert.False(t, started)

	// A fresh Start may fail on the dead connection, but it is no longer
	// rejected as already running.
	err = c.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyStarted)
}

func TestStopWhenNotStarted(t *testing.T) {
	c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		return nil
	}))
	assert.NoError(t, c.Stop())
}

func TestConsumeLoopSkipsEmptyDeliveries(t *testing.T) {
	handled := 0
	c := newTestConsumer(t, HandlerFunc[contracts.EventPublishedJob](func(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
		handled++
		return nil
	}))
	c.done = make(chan struct{})

	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{} // cancelled mid-flight, no acknowledger
	deliveries <- jobDelivery(t, ack, nil)
	close(deliveries)

	done := make(chan struct{})
	go func() {
		c.consumeLoop(context.Background(), deliveries)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume loop did not drain the channel")
	}

	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, ack.acks)
}
