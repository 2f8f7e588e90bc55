package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatherly/courier-go/contracts"
	"github.com/gatherly/courier-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channelPublisher is the publish primitive of an AMQP channel.
// Satisfied by *amqp.Channel; replaceable in tests.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// brokerSession is the slice of the connection manager the publisher needs.
type brokerSession interface {
	Connect(ctx context.Context) error
	Exchange() string
}

// JobPublisher hands jobs to the broker: it stamps envelope defaults,
// serializes to UTF-8 JSON, and publishes to the manager's topic exchange
// under a routing key. Publish errors propagate to the caller; there is no
// retry at this layer.
type JobPublisher struct {
	conn    brokerSession
	logger  *slog.Logger
	channel func() (channelPublisher, error)
}

// PublishOptions configures delivery metadata for a publish call.
type PublishOptions struct {
	Persistent bool
	Priority   uint8
	Headers    map[string]interface{}
	Expiration string // per-message TTL in milliseconds, empty for none
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithPersistent marks the delivery mode; persistent deliveries survive a
// broker restart. Defaults to true.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) {
		o.Persistent = persistent
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(o *PublishOptions) {
		o.Priority = priority
	}
}

// WithHeaders sets pass-through message headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// WithExpiration sets a per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}
}

// PublisherOption configures the JobPublisher
type PublisherOption func(*JobPublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *JobPublisher) {
		p.logger = logger
	}
}

// NewJobPublisher creates a publisher bound to the manager's exchange.
func NewJobPublisher(conn *rabbitmq.ConnectionManager, options ...PublisherOption) *JobPublisher {
	p := &JobPublisher{
		conn:   conn,
		logger: slog.Default(),
	}
	p.channel = func() (channelPublisher, error) {
		return conn.Channel()
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes the job and publishes it under the routing key.
// Missing envelope fields (timestamp, retryCount) are stamped with defaults
// before serialization; the published envelope is immutable afterwards.
func (p *JobPublisher) Publish(ctx context.Context, routingKey string, job contracts.Job, options ...PublishOption) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}

	opts := PublishOptions{
		Persistent: true,
	}
	for _, opt := range options {
		opt(&opts)
	}

	if err := p.conn.Connect(ctx); err != nil {
		return err
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}

	body, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.GetID(), err)
	}

	deliveryMode := amqp.Persistent
	if !opts.Persistent {
		deliveryMode = amqp.Transient
	}

	publishing := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    deliveryMode,
		Priority:        opts.Priority,
		MessageId:       job.GetID(),
		Type:            job.GetType(),
		Timestamp:       time.Now(),
		Headers:         amqp.Table(opts.Headers),
		Body:            body,
	}
	if opts.Expiration != "" {
		publishing.Expiration = opts.Expiration
	}

	err = ch.PublishWithContext(ctx, p.conn.Exchange(), routingKey, false, false, publishing)
	if err != nil {
		p.logger.Error("failed to publish job",
			"jobId", job.GetID(),
			"jobType", job.GetType(),
			"exchange", p.conn.Exchange(),
			"routingKey", routingKey,
			"error", err)
		return fmt.Errorf("failed to publish job %s: %w", job.GetID(), err)
	}

	p.logger.Debug("job published",
		"jobId", job.GetID(),
		"jobType", job.GetType(),
		"routingKey", routingKey,
		"persistent", opts.Persistent,
		"priority", opts.Priority)

	return nil
}

// PublishBatch publishes jobs sequentially to the same routing key and
// returns one result per job. Sequential publishing preserves per-job order
// and avoids overwhelming the channel buffer.
func (p *JobPublisher) PublishBatch(ctx context.Context, routingKey string, jobs []contracts.Job, options ...PublishOption) []error {
	results := make([]error, len(jobs))
	for i, job := range jobs {
		results[i] = p.Publish(ctx, routingKey, job, options...)
	}
	return results
}

// encodeJob serializes a job, stamping defaults for envelope fields the job
// struct left absent.
func encodeJob(job contracts.Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	if v, ok := doc["type"]; !ok || v == "" {
		doc["type"] = job.GetType()
	}
	if _, ok := doc["timestamp"]; !ok {
		doc["timestamp"] = time.Now().UnixMilli()
	}
	if _, ok := doc["retryCount"]; !ok {
		doc["retryCount"] = 0
	}

	return json.Marshal(doc)
}
