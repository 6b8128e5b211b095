package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

// NotificationBus carries in-app notifications over a durable RabbitMQ queue.
type NotificationBus struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger zerolog.Logger
}

var _ domain.NotificationSink = (*NotificationBus)(nil)

// DialNotificationBus connects to the broker and declares the queue.
func DialNotificationBus(amqpURL, queue string, logger zerolog.Logger) (*NotificationBus, error) {
	if strings.TrimSpace(amqpURL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &NotificationBus{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Close releases the channel and connection.
func (b *NotificationBus) Close() error {
	chErr := b.ch.Close()
	connErr := b.conn.Close()
	return errors.Join(chErr, connErr)
}

// Notify publishes a notification as a persistent message.
func (b *NotificationBus) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	start := time.Now()
	err = b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", b.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Consume hands every notification to handle until ctx is done.
func (b *NotificationBus) Consume(ctx context.Context, consumer string, handle func(context.Context, domain.Notification) error) error {
	if err := b.ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.ch.Consume(b.queue, consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("notification channel closed")
			}
			dispatch(ctx, d, handle, b.logger)
		}
	}
}

// dispatch acks handled and malformed messages and requeues the ones whose handler failed once.
func dispatch(ctx context.Context, d amqp.Delivery, handle func(context.Context, domain.Notification) error, logger zerolog.Logger) {
	var n domain.Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		logger.Error().Err(err).Msg("notifications: drop malformed message")
		_ = d.Reject(false)
		return
	}
	if err := handle(ctx, n); err != nil {
		requeue := !d.Redelivered
		logger.Warn().Err(err).Int64("user_id", n.UserID).Bool("requeue", requeue).Msg("notifications: handler failed")
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}
