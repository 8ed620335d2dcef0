package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"marketplace_api/internal/observability"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends product events to a durable queue on the default exchange.
type Publisher struct {
	conn      *amqp.Connection
	queueName string
	metrics   *observability.Metrics
}

func NewPublisher(conn *amqp.Connection, queueName string, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		conn:      conn,
		queueName: queueName,
		metrics:   metrics,
	}
}

// Publish opens a short-lived channel per message; amqp channels are not
// safe for concurrent publishing.
func (p *Publisher) Publish(ctx context.Context, event ProductEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode product event: %w", err)
	}

	ch, err := CreateChannel(p.conn)
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.PublishWithContext(
		ctx,
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         string(event.Type),
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	if p.metrics != nil {
		p.metrics.QueueMessagesPublished.WithLabelValues(p.queueName).Inc()
	}
	return nil
}
