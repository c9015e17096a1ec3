package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	amqp "github.com/rabbitmq/amqp091-go"
	"proctoring-recorder/dto"
	"sync"
	"time"
)

// Publisher sends persistent JSON messages to a topology's exchange.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	topology Topology
}

func NewPublisher(conn *amqp.Connection, topology Topology) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := topology.Declare(ch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}
	return &Publisher{ch: ch, topology: topology}, nil
}

func (p *Publisher) Publish(ctx context.Context, messageId string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx,
		p.topology.Exchange,
		p.topology.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageId,
			Timestamp:    time.Now().UTC(),
			Headers:      injectTraceContext(ctx),
			Body:         body,
		},
	)
}

// DispatchMerge queues a merge job for the worker pool.
func (p *Publisher) DispatchMerge(ctx context.Context, message dto.MergeJobMessage) error {
	return p.Publish(ctx, message.JobId.String(), message)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
