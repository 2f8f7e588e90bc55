package messaging

import (
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ConsumerOptions drives queue declaration and the retry policy of a
// consumer. Every option has a default; dead-letter names derive from the
// queue name when not overridden.
type ConsumerOptions struct {
	Queue      string
	RoutingKey string // defaults to the queue name
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoAck      bool

	PrefetchCount int
	RetryAttempts int
	RetryDelay    time.Duration

	DeadLetterExchange   string // defaults to {queue}.dlx
	DeadLetterRoutingKey string // defaults to {queue}.dlq

	MessageTTL  time.Duration
	MaxLength   int
	MaxPriority int

	Logger *slog.Logger
}

// ConsumerOption configures ConsumerOptions
type ConsumerOption func(*ConsumerOptions)

// WithRoutingKey overrides the binding routing key
func WithRoutingKey(routingKey string) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.RoutingKey = routingKey
	}
}

// WithDurable sets queue durability
func WithDurable(durable bool) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.Durable = durable
	}
}

// WithAutoDelete sets auto-delete behavior
func WithAutoDelete(autoDelete bool) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.AutoDelete = autoDelete
	}
}

// WithExclusive sets exclusive consumption
func WithExclusive(exclusive bool) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.Exclusive = exclusive
	}
}

// WithNoAck enables no-ack mode. The broker removes messages at delivery
// time, so failed handlers cannot trigger redelivery.
func WithNoAck(noAck bool) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.NoAck = noAck
	}
}

// WithPrefetchCount bounds in-flight unacked deliveries for this consumer
func WithPrefetchCount(count int) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.PrefetchCount = count
	}
}

// WithRetryAttempts sets the per-message retry budget
func WithRetryAttempts(attempts int) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.RetryAttempts = attempts
	}
}

// WithRetryDelay sets the delay before a failed message is redelivered
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.RetryDelay = delay
	}
}

// WithDeadLetter overrides the derived dead-letter exchange and routing key
func WithDeadLetter(exchange, routingKey string) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.DeadLetterExchange = exchange
		o.DeadLetterRoutingKey = routingKey
	}
}

// WithMessageTTL sets the queue-level message TTL
func WithMessageTTL(ttl time.Duration) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.MessageTTL = ttl
	}
}

// WithMaxLength caps the queue length
func WithMaxLength(length int) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.MaxLength = length
	}
}

// WithMaxPriority enables priority support up to the given level
func WithMaxPriority(priority int) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.MaxPriority = priority
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.Logger = logger
	}
}

// defaultConsumerOptions fills every option with its documented default for
// the given queue.
func defaultConsumerOptions(queue string) ConsumerOptions {
	return ConsumerOptions{
		Queue:                queue,
		RoutingKey:           queue,
		Durable:              true,
		PrefetchCount:        1,
		RetryAttempts:        3,
		RetryDelay:           5 * time.Second,
		DeadLetterExchange:   queue + ".dlx",
		DeadLetterRoutingKey: queue + ".dlq",
		Logger:               slog.Default(),
	}
}

// Validate checks option consistency before any queue is declared.
func (o ConsumerOptions) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Queue, validation.Required),
		validation.Field(&o.PrefetchCount, validation.Min(0)),
		validation.Field(&o.RetryAttempts, validation.Min(0)),
		validation.Field(&o.RetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&o.MaxLength, validation.Min(0)),
		validation.Field(&o.MaxPriority, validation.Min(0), validation.Max(255)),
	)
}

// retryQueue returns the name of the delay queue used to schedule retries.
func (o ConsumerOptions) retryQueue() string {
	return o.Queue + ".retry"
}

// deadLetterQueue returns the queue bound behind the dead-letter exchange.
func (o ConsumerOptions) deadLetterQueue() string {
	return o.DeadLetterRoutingKey
}
