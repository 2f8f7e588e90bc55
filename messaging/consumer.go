package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gatherly/courier-go/contracts"
	"github.com/gatherly/courier-go/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a running consumer.
	ErrAlreadyStarted = errors.New("messaging: consumer already started")
)

// Handler processes one typed job per delivery. Implementations carry the
// business logic; the Consumer owns every broker concern around them.
type Handler[T contracts.Job] interface {
	HandleMessage(ctx context.Context, job T, envelope *contracts.MessageEnvelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc[T contracts.Job] func(ctx context.Context, job T, envelope *contracts.MessageEnvelope) error

// HandleMessage implements Handler
func (f HandlerFunc[T]) HandleMessage(ctx context.Context, job T, envelope *contracts.MessageEnvelope) error {
	return f(ctx, job, envelope)
}

// Consumer binds a durable queue to the shared exchange and drives a Handler
// with the retry and dead-letter safety net. Deliveries are processed
// sequentially; the configured prefetch bounds how many unacked deliveries
// the broker keeps outstanding to this consumer.
type Consumer[T contracts.Job] struct {
	conn    *rabbitmq.ConnectionManager
	handler Handler[T]
	opts    ConsumerOptions
	logger  *slog.Logger

	// publish is the primitive used to schedule retries; set from the live
	// channel at Start.
	publish channelPublisher

	mu          sync.Mutex
	started     bool
	consumerTag string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewConsumer creates a consumer for the given queue. Every option not
// supplied keeps its documented default; dead-letter names derive from the
// queue name.
func NewConsumer[T contracts.Job](conn *rabbitmq.ConnectionManager, queue string, handler Handler[T], options ...ConsumerOption) (*Consumer[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("messaging: handler cannot be nil")
	}

	opts := defaultConsumerOptions(queue)
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("messaging: invalid consumer options for queue %q: %w", queue, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer[T]{
		conn:    conn,
		handler: handler,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Queue returns the queue this consumer binds.
func (c *Consumer[T]) Queue() string {
	return c.opts.Queue
}

// Start declares the queue topology, binds it to the shared exchange, and
// begins consuming. Calling Start on a running consumer is rejected so a
// second registration cannot race the first one's queue arguments.
func (c *Consumer[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if err := c.declareTopology(ch); err != nil {
		return err
	}

	if err := ch.Qos(c.opts.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("messaging: failed to set prefetch for %q: %w", c.opts.Queue, err)
	}

	tag := fmt.Sprintf("%s.%s", c.opts.Queue, uuid.NewString())
	deliveries, err := ch.Consume(
		c.opts.Queue,
		tag,
		c.opts.NoAck,
		c.opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("messaging: failed to start consuming %q: %w", c.opts.Queue, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.publish = ch
	c.consumerTag = tag
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go c.consumeLoop(loopCtx, deliveries)

	c.logger.Info("consumer started",
		"queue", c.opts.Queue,
		"routingKey", c.opts.RoutingKey,
		"consumerTag", tag,
		"prefetch", c.opts.PrefetchCount,
		"retryAttempts", c.opts.RetryAttempts)

	return nil
}

// declareTopology asserts the dead-letter pair, the retry delay queue, and
// the work queue, then binds the work queue to the shared exchange.
func (c *Consumer[T]) declareTopology(ch *amqp.Channel) error {
	if c.opts.DeadLetterExchange != "" {
		if err := rabbitmq.DeclareExchange(ch, c.opts.DeadLetterExchange, "direct"); err != nil {
			return err
		}
		if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueSpec{
			Name:    c.opts.deadLetterQueue(),
			Durable: true,
		}); err != nil {
			return err
		}
		if err := rabbitmq.BindQueue(ch, c.opts.deadLetterQueue(), c.opts.DeadLetterRoutingKey, c.opts.DeadLetterExchange); err != nil {
			return err
		}
	}

	if c.opts.RetryAttempts > 0 && c.opts.RetryDelay > 0 {
		// The delay queue holds scheduled retries for RetryDelay, then
		// dead-letters them straight back into the work queue via the
		// default exchange.
		if _, err := ch.QueueDeclare(
			c.opts.retryQueue(),
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{
				"x-message-ttl":             c.opts.RetryDelay.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": c.opts.Queue,
			},
		); err != nil {
			return fmt.Errorf("messaging: failed to declare retry queue for %q: %w", c.opts.Queue, err)
		}
	}

	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueSpec{
		Name:                 c.opts.Queue,
		Durable:              c.opts.Durable,
		AutoDelete:           c.opts.AutoDelete,
		Exclusive:            c.opts.Exclusive,
		DeadLetterExchange:   c.opts.DeadLetterExchange,
		DeadLetterRoutingKey: c.opts.DeadLetterRoutingKey,
		MessageTTL:           c.opts.MessageTTL,
		MaxLength:            c.opts.MaxLength,
		MaxPriority:          c.opts.MaxPriority,
	}); err != nil {
		return err
	}

	return rabbitmq.BindQueue(ch, c.opts.Queue, c.opts.RoutingKey, c.conn.Exchange())
}

// consumeLoop processes deliveries one at a time in delivery order. The
// channel is not safe for concurrent use; concurrency comes from running
// multiple consumer instances, not from a worker pool here.
func (c *Consumer[T]) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.mu.Lock()
				wasStarted := c.started
				c.started = false
				c.consumerTag = ""
				c.mu.Unlock()
				if wasStarted {
					// The broker session dropped out from under us. The
					// consume registration is gone; after the connection
					// manager reconnects, Start must be called again to
					// rebind the queue.
					c.logger.Error("delivery channel closed, consumer unbound until restarted",
						"queue", c.opts.Queue)
				}
				return
			}
			if delivery.Acknowledger == nil {
				// Happens when the channel is cancelled mid-flight.
				c.logger.Warn("ignoring empty delivery", "queue", c.opts.Queue)
				continue
			}
			// Cancellation only stops the loop from taking new deliveries;
			// the in-flight handler keeps a context that survives Stop so
			// work runs to completion before the consumer reports stopped.
			c.processDelivery(context.WithoutCancel(ctx), delivery)
		}
	}
}

// processDelivery parses one delivery, invokes the handler, and settles the
// message: ack on success, scheduled retry or dead-letter on failure.
func (c *Consumer[T]) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	envelope := envelopeFromDelivery(delivery)

	var job T
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		// A malformed message follows the same retry path as a handler
		// failure so a poison message lands in the DLQ instead of looping.
		c.logger.Error("failed to parse job payload",
			"queue", c.opts.Queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		c.settleFailure(ctx, delivery, envelope, err)
		return
	}

	err := c.handler.HandleMessage(ctx, job, envelope)
	if err == nil {
		if !c.opts.NoAck {
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("failed to ack delivery",
					"queue", c.opts.Queue,
					"deliveryTag", delivery.DeliveryTag,
					"error", ackErr)
				return
			}
		}
		c.logger.Debug("job processed",
			"queue", c.opts.Queue,
			"jobId", job.GetID(),
			"jobType", job.GetType(),
			"redelivered", delivery.Redelivered)
		return
	}

	if c.opts.NoAck {
		// The broker already removed the message at delivery time; nothing
		// can be redelivered.
		c.logger.Error("handler failed in no-ack mode, message lost",
			"queue", c.opts.Queue,
			"jobId", job.GetID(),
			"error", err)
		return
	}

	c.settleFailure(ctx, delivery, envelope, err)
}

// settleFailure applies the retry/dead-letter decision. The retry count read
// from the delivery headers is the message's history across redeliveries;
// the incremented count is persisted onto the republished message so the
// budget actually decrements.
func (c *Consumer[T]) settleFailure(ctx context.Context, delivery amqp.Delivery, envelope *contracts.MessageEnvelope, handlerErr error) {
	retryCount := envelope.RetryCount

	if retryCount < c.opts.RetryAttempts {
		nextRetry := retryCount + 1
		c.logger.Warn("handler failed, scheduling retry",
			"queue", c.opts.Queue,
			"deliveryTag", delivery.DeliveryTag,
			"retryCount", nextRetry,
			"maxAttempts", c.opts.RetryAttempts,
			"delay", c.opts.RetryDelay,
			"error", handlerErr)

		if err := c.scheduleRetry(ctx, delivery, nextRetry, handlerErr); err != nil {
			c.logger.Error("failed to schedule retry, requeueing as-is",
				"queue", c.opts.Queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", err)
			c.nack(delivery, true)
			return
		}
		c.ack(delivery)
		return
	}

	c.logger.Error("retry budget exhausted, dead-lettering",
		"queue", c.opts.Queue,
		"deliveryTag", delivery.DeliveryTag,
		"retryCount", retryCount,
		"deadLetterExchange", c.opts.DeadLetterExchange,
		"error", handlerErr)
	c.nack(delivery, false)
}

// scheduleRetry republishes the message into the delay queue with the
// incremented retry count and the last error recorded in headers. When no
// delay is configured the message goes straight back onto the work queue.
func (c *Consumer[T]) scheduleRetry(ctx context.Context, delivery amqp.Delivery, nextRetry int, handlerErr error) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderRetryCount] = int32(nextRetry)
	headers[contracts.HeaderLastError] = handlerErr.Error()

	target := c.opts.retryQueue()
	if c.opts.RetryDelay <= 0 {
		target = c.opts.Queue
	}

	// Publish through the default exchange straight to the target queue so
	// the retry cannot fan out to other bindings of the topic exchange.
	return c.publish.PublishWithContext(ctx, "", target, false, false, amqp.Publishing{
		ContentType:     delivery.ContentType,
		ContentEncoding: delivery.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        delivery.Priority,
		MessageId:       delivery.MessageId,
		Type:            delivery.Type,
		Timestamp:       delivery.Timestamp,
		Headers:         headers,
		Body:            delivery.Body,
	})
}

func (c *Consumer[T]) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery",
			"queue", c.opts.Queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
	}
}

func (c *Consumer[T]) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("failed to nack delivery",
			"queue", c.opts.Queue,
			"deliveryTag", delivery.DeliveryTag,
			"requeue", requeue,
			"error", err)
	}
}

// Stop cancels the consume registration. In-flight work runs to completion
// before Stop returns; it is a no-op when the consumer is not running.
func (c *Consumer[T]) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	tag := c.consumerTag
	cancel := c.cancel
	done := c.done
	c.started = false
	c.consumerTag = ""
	c.mu.Unlock()

	if ch, err := c.conn.Channel(); err == nil {
		if err := ch.Cancel(tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer",
				"queue", c.opts.Queue,
				"consumerTag", tag,
				"error", err)
		}
	}

	cancel()
	<-done

	c.logger.Info("consumer stopped", "queue", c.opts.Queue)
	return nil
}

// Close stops the consumer and closes the shared connection.
func (c *Consumer[T]) Close() error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.conn.Close()
}

// envelopeFromDelivery builds the delivery-side envelope scoped to one
// processDelivery invocation.
func envelopeFromDelivery(delivery amqp.Delivery) *contracts.MessageEnvelope {
	return &contracts.MessageEnvelope{
		DeliveryTag: delivery.DeliveryTag,
		Redelivered: delivery.Redelivered,
		Exchange:    delivery.Exchange,
		RoutingKey:  delivery.RoutingKey,
		ContentType: delivery.ContentType,
		Priority:    delivery.Priority,
		Headers:     map[string]interface{}(delivery.Headers),
		RetryCount:  contracts.RetryCountFromHeaders(delivery.Headers),
		LastError:   contracts.LastErrorFromHeaders(delivery.Headers),
	}
}
