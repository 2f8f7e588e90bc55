package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueSpec describes a queue declaration. Optional arguments are only sent
// to the broker when set: the broker treats an explicit but mismatched
// argument as a fatal redeclaration conflict, so unset options must be
// omitted entirely rather than sent as zero values.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool

	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	MaxLength            int
	MaxPriority          int
}

// Arguments assembles the x-arguments table for the declaration, or nil when
// no optional argument is set.
func (s QueueSpec) Arguments() amqp.Table {
	args := amqp.Table{}
	if s.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = s.DeadLetterExchange
	}
	if s.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = s.DeadLetterRoutingKey
	}
	if s.MessageTTL > 0 {
		args["x-message-ttl"] = s.MessageTTL.Milliseconds()
	}
	if s.MaxLength > 0 {
		args["x-max-length"] = int32(s.MaxLength)
	}
	if s.MaxPriority > 0 {
		args["x-max-priority"] = int32(s.MaxPriority)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// DeclareQueue declares the queue described by spec on the given channel.
func DeclareQueue(ch *amqp.Channel, spec QueueSpec) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		spec.AutoDelete,
		spec.Exclusive,
		false, // no-wait
		spec.Arguments(),
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err}
	}
	return q, nil
}

// DeclareExchange declares a durable exchange of the given type.
func DeclareExchange(ch *amqp.Channel, name, exchangeType string) error {
	err := ch.ExchangeDeclare(
		name,
		exchangeType,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err}
	}
	return nil
}

// BindQueue binds a queue to an exchange under the given routing key.
func BindQueue(ch *amqp.Channel, queue, routingKey, exchange string) error {
	err := ch.QueueBind(queue, routingKey, exchange, false, nil)
	if err != nil {
		return &TopologyError{Component: "binding", Name: queue, Op: "bind", Err: err}
	}
	return nil
}
