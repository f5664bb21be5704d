package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"report-verify-pipeline/metrics"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

const (
	// maxDialTimeout caps connecting to the broker; publishes also honour their context deadline.
	maxDialTimeout = 5 * time.Second
	heartbeat      = 10 * time.Second
)

// Publisher represents a RabbitMQ publisher instance
type Publisher struct {
	amqpURL  string
	exchange string

	// mu serializes use of channel since amqp.Channel is not safe for concurrent use.
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher creates a new RabbitMQ publisher instance
func NewPublisher(amqpURL, exchangeName string) (*Publisher, error) {
	p := &Publisher{amqpURL: amqpURL, exchange: exchangeName}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(maxDialTimeout); err != nil {
		return nil, err
	}
	return p, nil
}

// dialTimeout is the time left before ctx's deadline, capped at maxDialTimeout.
func dialTimeout(ctx context.Context) time.Duration {
	timeout := maxDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return timeout
}

func (p *Publisher) connectLocked(timeout time.Duration) error {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}

	conn, err := amqp.DialConfig(p.amqpURL, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		p.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = channel
	return nil
}

// Publish sends a JSON message to the exchange with the given routing key.
// A closed connection is re-dialed once.
func (p *Publisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message to JSON: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn == nil || p.conn.IsClosed() {
		timeout := dialTimeout(ctx)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
		if err := p.connectLocked(timeout); err != nil {
			metrics.PublishErrorTotal.WithLabelValues(routingKey).Inc()
			return err
		}
	}

	if err := p.channel.Publish(p.exchange, routingKey, false, false, publishing); err != nil {
		metrics.PublishErrorTotal.WithLabelValues(routingKey).Inc()
		log.WithFields(log.Fields{"routing_key": routingKey}).Warnf("publish failed, reconnecting: %v", err)
		timeout := dialTimeout(ctx)
		if timeout <= 0 {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		if rerr := p.connectLocked(timeout); rerr != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		if err := p.channel.Publish(p.exchange, routingKey, false, false, publishing); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
	}
	return nil
}

// Close closes the publisher connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
