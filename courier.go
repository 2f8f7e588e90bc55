// Package courier is the composition root for the messaging core: it wires
// the connection manager, the job publisher, and the registered consumers
// into one explicitly constructed client. There is no process-wide
// singleton; callers own the Client and its lifecycle.
package courier

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatherly/courier-go/internal/rabbitmq"
	"github.com/gatherly/courier-go/messaging"
)

// Runner is a startable consumer. Consumers register with the Client and
// are started and stopped together.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	Queue() string
}

// Client owns the broker session and the consumers driven by it.
type Client struct {
	conn      *rabbitmq.ConnectionManager
	publisher *messaging.JobPublisher
	runners   []Runner
	logger    *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	exchangeType   string
	prefetchCount  int
	reconnectDelay time.Duration
	maxReconnects  int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithExchangeType sets the exchange type (topic by default)
func WithExchangeType(exchangeType string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchangeType = exchangeType
	}
}

// WithPrefetchCount sets the channel prefetch
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithReconnectDelay sets the delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts bounds the reconnection budget
func WithMaxReconnectAttempts(attempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxReconnects = attempts
	}
}

// NewClient creates a client for the given broker URL and topic exchange.
func NewClient(url, exchange string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:         slog.Default(),
		exchangeType:   "topic",
		prefetchCount:  1,
		reconnectDelay: 5 * time.Second,
		maxReconnects:  10,
	}

	for _, opt := range options {
		opt(cfg)
	}

	conn := rabbitmq.NewConnectionManager(url, exchange,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithExchangeType(cfg.exchangeType),
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
		rabbitmq.WithMaxReconnectAttempts(cfg.maxReconnects),
	)

	publisher := messaging.NewJobPublisher(conn,
		messaging.WithPublisherLogger(cfg.logger),
	)

	return &Client{
		conn:      conn,
		publisher: publisher,
		logger:    cfg.logger,
	}
}

// Connect establishes the broker session.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Connection returns the underlying connection manager for consumer wiring.
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// Publisher returns the job publisher.
func (c *Client) Publisher() *messaging.JobPublisher {
	return c.publisher
}

// Register adds a consumer to be started with the client.
func (c *Client) Register(runner Runner) {
	c.runners = append(c.runners, runner)
}

// Start connects and starts every registered consumer.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	for _, runner := range c.runners {
		if err := runner.Start(ctx); err != nil {
			return err
		}
		c.logger.Info("consumer registered", "queue", runner.Queue())
	}
	return nil
}

// Stop stops consumers in reverse registration order. In-flight work runs
// to completion before each consumer reports stopped.
func (c *Client) Stop() error {
	var firstErr error
	for i := len(c.runners) - 1; i >= 0; i-- {
		if err := c.runners[i].Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops all consumers and closes the broker session.
func (c *Client) Close() error {
	stopErr := c.Stop()
	closeErr := c.conn.Close()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}
