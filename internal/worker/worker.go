package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"marketplace_api/internal/observability"
	"marketplace_api/internal/queue"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const retryHeader = "x-retry-count"

// EventHandler processes one decoded product event.
type EventHandler interface {
	Handle(ctx context.Context, event queue.ProductEvent, workerID int) error
}

// Consumer settings shared by every worker goroutine.
type Options struct {
	Queue      string
	MaxRetries int
	Metrics    *observability.Metrics
}

func republishWithRetry(ch *amqp.Channel, msg *amqp.Delivery, retryCount int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = retryCount

	return ch.PublishWithContext(
		ctx,
		"",             // exchange
		msg.RoutingKey, // routing key (queue name)
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  msg.ContentType,
			DeliveryMode: amqp.Persistent,
			Type:         msg.Type,
			Body:         msg.Body,
			Headers:      headers,
		},
	)
}

// retryCountOf reads the retry header. Integer widths vary with the publisher.
func retryCountOf(headers amqp.Table) int32 {
	switch v := headers[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	case int16:
		return int32(v)
	case int8:
		return int32(v)
	default:
		return 0
	}
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDrop
)

// decide maps a handler result onto what happens to the delivery.
func decide(err error, retryCount int32, maxRetries int) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, ErrInvalidEvent):
		return outcomeDrop
	case int(retryCount) >= maxRetries:
		return outcomeDrop
	default:
		return outcomeRetry
	}
}

func decodeEvent(body []byte) (queue.ProductEvent, error) {
	var event queue.ProductEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return event, nil
}

// StartWorker consumes product events until ctx is cancelled or the
// delivery channel closes.
func StartWorker(ctx context.Context, conn *amqp.Connection, handler EventHandler, opts Options, id int) error {
	ch, err := queue.CreateChannel(conn)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("worker %d failed to set QoS: %w", id, err)
	}

	msgs, err := ch.Consume(
		opts.Queue,
		fmt.Sprintf("product-worker-%d", id),
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("worker %d failed to start consuming messages: %w", id, err)
	}

	logrus.Infof("Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			logrus.Infof("Worker %d stopping", id)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("worker %d: delivery channel closed", id)
			}
			handleDelivery(ctx, ch, &msg, handler, opts, id)
		}
	}
}

func handleDelivery(ctx context.Context, ch *amqp.Channel, msg *amqp.Delivery, handler EventHandler, opts Options, id int) {
	if opts.Metrics != nil {
		opts.Metrics.QueueMessagesConsumed.WithLabelValues(opts.Queue).Inc()
	}

	retryCount := retryCountOf(msg.Headers)

	event, err := decodeEvent(msg.Body)
	if err == nil {
		err = handler.Handle(ctx, event, id)
	}

	switch decide(err, retryCount, opts.MaxRetries) {
	case outcomeAck:
		_ = msg.Ack(false)

	case outcomeDrop:
		reason := "max_retries"
		if errors.Is(err, ErrInvalidEvent) {
			reason = "invalid_event"
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"worker_id":  id,
			"product_id": event.ProductID,
			"retries":    retryCount,
		}).Error("Dropping product event")
		opts.fail(reason)
		_ = msg.Nack(false, false)

	case outcomeRetry:
		logrus.WithError(err).Warnf("Worker %d: event failed, requeuing (retry %d/%d)", id, retryCount+1, opts.MaxRetries)

		if err := republishWithRetry(ch, msg, retryCount+1); err != nil {
			logrus.WithError(err).Error("Failed to republish message")
			opts.fail("republish_error")
			_ = msg.Nack(false, false)
			return
		}

		if opts.Metrics != nil {
			opts.Metrics.QueueMessagesPublished.WithLabelValues(opts.Queue).Inc()
		}
		_ = msg.Ack(false)
	}
}

func (o Options) fail(reason string) {
	if o.Metrics != nil {
		o.Metrics.QueueMessagesFailed.WithLabelValues(o.Queue, reason).Inc()
	}
}
