// Package alerts publishes fraud signals to the message broker for the
// downstream analysis pipeline. Publishing is best effort: verification
// must never fail because the broker is down.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// suspiciousQueueName receives one message per SUSPICIOUS_PATTERN
// verdict.
const suspiciousQueueName = "verification.suspicious"

// SuspiciousRedemption is the payload published when the classifier
// upgrades a verdict to SUSPICIOUS_PATTERN.
type SuspiciousRedemption struct {
	CodeValue  string    `json:"code_value"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Publisher is what the classifier depends on; the AMQP implementation
// below is swapped for a fake in tests.
type Publisher interface {
	PublishSuspicious(ctx context.Context, alert SuspiciousRedemption) error
}

// AMQPPublisher publishes alerts over a RabbitMQ channel.
type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the durable alert
// queue. Callers treat a dial failure as "alerting disabled".
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(suspiciousQueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

// PublishSuspicious sends one persistent JSON message per alert.
func (p *AMQPPublisher) PublishSuspicious(ctx context.Context, alert SuspiciousRedemption) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, "", suspiciousQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    alert.ObservedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
