package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchange, work queue and dead-letter queue of one job type.
type Topology struct {
	Exchange      string
	Kind          string
	Queue         string
	RoutingKey    string
	DLX           string
	DLQ           string
	DLQRoutingKey string
}

// MergeTopology is the topology of proctoring merge jobs.
func MergeTopology(exchange, kind string) Topology {
	if exchange == "" {
		exchange = "proctoring_exchange"
	}
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	return Topology{
		Exchange:      exchange,
		Kind:          kind,
		Queue:         "proctoring_merge_queue",
		RoutingKey:    "proctoring.merge.request",
		DLX:           exchange + "_dlx",
		DLQ:           "proctoring_merge_queue_dlq",
		DLQRoutingKey: "dlq.proctoring.merge.request",
	}
}

// Declare creates the exchanges and queues and binds them. It is idempotent,
// so publishers and consumers both call it.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, t.Kind, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.DLX, t.Kind, true, false, false, false, nil); err != nil {
		return err
	}

	dlq, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(dlq.Name, t.DLQRoutingKey, t.DLX, false, nil); err != nil {
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    t.DLX,
		"x-dead-letter-routing-key": t.DLQRoutingKey,
	}
	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, args)
	if err != nil {
		return err
	}
	return ch.QueueBind(q.Name, t.RoutingKey, t.Exchange, false, nil)
}
