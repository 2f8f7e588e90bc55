package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherly/courier-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DialFunc opens a broker connection. Replaceable in tests.
type DialFunc func(url string) (*amqp.Connection, error)

// ConnectionManager maintains a single live connection and channel pair and
// survives transient network failures with bounded reconnection. It is
// constructed once by the composition root and passed by reference; there is
// no package-level instance.
type ConnectionManager struct {
	url             string
	exchange        string
	exchangeType    string
	prefetchCount   int
	reconnectDelay  time.Duration
	maxReconnects   int
	reconnectPolicy reliability.RetryPolicy
	dial            DialFunc
	dialTimeout     time.Duration
	logger          *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	connecting bool
	closing    bool
	done       chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithExchangeType sets the exchange type declared on connect
func WithExchangeType(exchangeType string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.exchangeType = exchangeType
	}
}

// WithPrefetchCount sets the channel prefetch applied on connect
func WithPrefetchCount(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.prefetchCount = count
	}
}

// WithReconnectDelay sets the delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts bounds the reconnection budget
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnects = attempts
	}
}

// WithReconnectPolicy overrides the fixed-delay reconnection policy
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectPolicy = policy
	}
}

// WithDialer replaces the broker dial function
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout sets the per-attempt connection timeout
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager for the given broker
// URL and topic exchange.
func NewConnectionManager(url, exchange string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		exchange:       exchange,
		exchangeType:   "topic",
		prefetchCount:  1,
		reconnectDelay: 5 * time.Second,
		maxReconnects:  10,
		dial:           amqp.Dial,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.reconnectPolicy == nil {
		cm.reconnectPolicy = reliability.NewFixedDelay(cm.reconnectDelay, cm.maxReconnects)
	}

	return cm
}

// Exchange returns the exchange name declared by this manager.
func (cm *ConnectionManager) Exchange() string {
	return cm.exchange
}

// Connect establishes the connection and channel, sets prefetch, and
// declares the exchange. It is a no-op when already connected or when a
// connection attempt is in flight. On failure the reconnection procedure is
// started in the background and the error is returned to the caller.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closing {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.connectedLocked() {
		cm.mu.Unlock()
		return nil
	}
	if cm.connecting {
		cm.mu.Unlock()
		return nil
	}
	cm.connecting = true
	cm.mu.Unlock()

	err := cm.establish(ctx)

	cm.mu.Lock()
	cm.connecting = false
	cm.mu.Unlock()

	if err != nil {
		go cm.reconnect()
		return err
	}
	return nil
}

// Channel returns the current channel or an error when not connected.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.channel == nil {
		return nil, ErrNotConnected
	}
	if cm.channel.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.channel, nil
}

// Connection returns the current connection or an error when not connected.
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection and channel are held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connectedLocked()
}

// Close tears down the channel and connection. The closing flag suppresses
// the reconnection procedure for close notifications this triggers.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closing {
		cm.mu.Unlock()
		return nil
	}
	cm.closing = true
	close(cm.done)

	channel := cm.channel
	conn := cm.conn
	cm.channel = nil
	cm.conn = nil
	cm.mu.Unlock()

	var err error
	if channel != nil && !channel.IsClosed() {
		err = channel.Close()
	}
	if conn != nil && !conn.IsClosed() {
		if closeErr := conn.Close(); err == nil {
			err = closeErr
		}
	}

	cm.logger.Info("connection manager closed", "url", SanitizeURL(cm.url))
	return err
}

func (cm *ConnectionManager) connectedLocked() bool {
	return cm.conn != nil && !cm.conn.IsClosed() &&
		cm.channel != nil && !cm.channel.IsClosed()
}

// establish dials the broker, opens the channel, applies prefetch, declares
// the exchange, and registers close notifications.
func (cm *ConnectionManager) establish(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	var conn *amqp.Connection
	select {
	case conn = <-connChan:
	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	case <-connCtx.Done():
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := channel.Qos(cm.prefetchCount, 0, false); err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "set prefetch",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := channel.ExchangeDeclare(
		cm.exchange,
		cm.exchangeType,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return &TopologyError{
			Component: "exchange",
			Name:      cm.exchange,
			Op:        "declare",
			Err:       err,
		}
	}

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClose := channel.NotifyClose(make(chan *amqp.Error, 1))

	if !cm.installSession(conn, channel) {
		// Close won the race while we were dialing; tear the fresh
		// session down instead of leaking it.
		conn.Close()
		return ErrManagerClosed
	}

	go cm.watch(connClose, chanClose)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"exchange", cm.exchange,
		"prefetch", cm.prefetchCount)

	return nil
}

// installSession publishes a freshly established session. It reports false
// when a deliberate Close happened while the dial was in flight; the caller
// then owns closing the new connection.
func (cm *ConnectionManager) installSession(conn *amqp.Connection, channel *amqp.Channel) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closing {
		return false
	}
	cm.conn = conn
	cm.channel = channel
	return true
}

// watch clears the stale session on a connection or channel close event and
// starts the reconnection procedure unless a deliberate Close is in
// progress.
func (cm *ConnectionManager) watch(connClose, chanClose <-chan *amqp.Error) {
	var closeErr *amqp.Error
	select {
	case closeErr = <-connClose:
	case closeErr = <-chanClose:
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	if cm.closing {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.channel = nil
	cm.mu.Unlock()

	if closeErr != nil {
		cm.logger.Error("broker session closed", "error", closeErr)
	} else {
		cm.logger.Warn("broker session closed")
	}

	cm.reconnect()
}

// reconnect retries establish until it succeeds or the attempt budget is
// exhausted. Failures are logged, not returned: the procedure is triggered
// by close notifications, not awaited by business code. Exhausting the
// budget is terminal and requires operator intervention.
func (cm *ConnectionManager) reconnect() {
	cm.mu.Lock()
	if cm.closing || cm.connecting {
		cm.mu.Unlock()
		return
	}
	cm.connecting = true
	cm.mu.Unlock()

	defer func() {
		cm.mu.Lock()
		cm.connecting = false
		cm.mu.Unlock()
	}()

	start := time.Now()
	for attempt := 0; ; attempt++ {
		shouldRetry, delay := cm.reconnectPolicy.ShouldRetry(attempt, ErrNotConnected)
		if !shouldRetry {
			cm.logger.Error("reconnection attempts exhausted, consuming stopped until restart",
				"attempts", attempt,
				"duration", time.Since(start),
				"error", ErrMaxRetriesExceeded)
			return
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxAttempts", cm.reconnectPolicy.MaxRetries(),
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cm.dialTimeout)
		err := cm.establish(ctx)
		cancel()

		if err == nil {
			cm.logger.Info("reconnected to RabbitMQ",
				"attempts", attempt+1,
				"duration", time.Since(start))
			return
		}

		cm.logger.Error("reconnection attempt failed",
			"attempt", attempt+1,
			"error", err)
	}
}
