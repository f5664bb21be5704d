package rabbitmq

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"report-verify-pipeline/metrics"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Message represents a received RabbitMQ message.
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	ContentType string
	Timestamp   time.Time
	DeliveryTag uint64
	Attempt     int
}

// CallbackFunc processes a message. Return:
// - nil on success (will Ack)
// - Permanent(err) for permanent failure (will Nack requeue=false)
// - any other error for transient failure (will be republished up to the retry limit)
type CallbackFunc func(msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError (non-retriable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const (
	defaultMaxRetries   = 5
	retryCountHeaderKey = "x-cleanapp-retry-count"
)

func retryCountFromHeaders(headers amqp.Table) int {
	v, ok := headers[retryCountHeaderKey]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int32:
		return int(t)
	case int64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return 0
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

// Subscriber is a RabbitMQ subscriber instance.
type Subscriber struct {
	amqpURL    string
	exchange   string
	queue      string
	workers    int
	maxRetries int

	// opMu serializes amqp operations on channel since amqp.Channel is not safe for concurrent use.
	opMu    sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	republish func(d amqp.Delivery, next int) error

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSubscriber creates a new RabbitMQ subscriber instance.
func NewSubscriber(amqpURL, exchangeName, queueName string, workers int) (*Subscriber, error) {
	s := newSubscriber(amqpURL, exchangeName, queueName, workers)
	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newSubscriber(amqpURL, exchangeName, queueName string, workers int) *Subscriber {
	if workers <= 0 {
		workers = 1
	}
	s := &Subscriber{
		amqpURL:    amqpURL,
		exchange:   exchangeName,
		queue:      queueName,
		workers:    workers,
		maxRetries: defaultMaxRetries,
		done:       make(chan struct{}),
	}
	s.republish = s.republishToExchange
	return s
}

// reconnectLocked tears down any existing channel/connection and recreates them.
// Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked() error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		metrics.RabbitMQConnected.Set(0)
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		metrics.RabbitMQConnected.Set(0)
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		metrics.RabbitMQConnected.Set(0)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		metrics.RabbitMQConnected.Set(0)
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	s.conn = conn
	s.channel = ch
	metrics.RabbitMQConnected.Set(1)
	return nil
}

// Start begins consuming messages and dispatching them to the routing key callbacks.
func (s *Subscriber) Start(routingKeyCallbacks map[string]CallbackFunc) {
	s.startOnce.Do(func() {
		jobs := make(chan amqp.Delivery, s.workers)

		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				for delivery := range jobs {
					s.process(delivery, routingKeyCallbacks)
				}
			}()
		}

		// If the broker restarts the consumer channel closes; reconnect and resume.
		go func() {
			defer close(jobs)
			backoff := time.Second
			for {
				select {
				case <-s.done:
					return
				default:
				}

				deliveries, err := s.consume(routingKeyCallbacks)
				if err != nil {
					log.WithFields(log.Fields{"queue": s.queue}).Warnf("rabbitmq consume failed, retrying in %v: %v", backoff, err)
					select {
					case <-s.done:
						return
					case <-time.After(backoff):
					}
					if backoff < 30*time.Second {
						backoff *= 2
					}
					continue
				}
				backoff = time.Second

			recv:
				for {
					select {
					case <-s.done:
						return
					case d, ok := <-deliveries:
						if !ok {
							metrics.RabbitMQConnected.Set(0)
							log.WithFields(log.Fields{"queue": s.queue}).Warn("rabbitmq delivery channel closed, reconnecting")
							break recv
						}
						jobs <- d
					}
				}
			}
		}()
	})
}

func (s *Subscriber) consume(callbacks map[string]CallbackFunc) (<-chan amqp.Delivery, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	if err := s.channel.Qos(s.workers, 0, false); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	for key := range callbacks {
		if err := s.channel.QueueBind(s.queue, key, s.exchange, false, nil); err != nil {
			s.conn.Close()
			return nil, fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}
	deliveries, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return deliveries, nil
}

// process runs the callback for one delivery and acknowledges it.
func (s *Subscriber) process(delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	logger := log.WithFields(log.Fields{
		"routing_key":  delivery.RoutingKey,
		"delivery_tag": delivery.DeliveryTag,
	})

	callback, exists := callbacks[delivery.RoutingKey]
	if !exists {
		s.nack(delivery)
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
		logger.Warn("no callback for routing key")
		return
	}

	attempt := retryCountFromHeaders(delivery.Headers)
	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Exchange:    delivery.Exchange,
		ContentType: delivery.ContentType,
		Timestamp:   delivery.Timestamp,
		DeliveryTag: delivery.DeliveryTag,
		Attempt:     attempt,
	}

	var (
		callbackErr error
		panicVal    interface{}
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		callbackErr = callback(msg)
	}()

	switch {
	case panicVal != nil:
		s.nack(delivery)
		metrics.ProcessedTotal.WithLabelValues("panic").Inc()
		logger.Errorf("callback panicked: %v", panicVal)
	case callbackErr == nil:
		s.ack(delivery)
		metrics.ProcessedTotal.WithLabelValues("success").Inc()
	case isPermanent(callbackErr):
		s.nack(delivery)
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
		logger.Warnf("permanent failure, dropping message: %v", callbackErr)
	case attempt >= s.maxRetries:
		s.nack(delivery)
		metrics.ProcessedTotal.WithLabelValues("retries_exhausted").Inc()
		logger.Errorf("giving up after %d attempts: %v", attempt+1, callbackErr)
	default:
		if err := s.republish(delivery, attempt+1); err != nil {
			s.opMu.Lock()
			_ = delivery.Nack(false, true)
			s.opMu.Unlock()
			logger.Errorf("failed to republish for retry, requeued: %v", err)
		} else {
			s.ack(delivery)
		}
		metrics.ProcessedTotal.WithLabelValues("transient_error").Inc()
		logger.Warnf("transient failure, retry %d: %v", attempt+1, callbackErr)
	}
}

func (s *Subscriber) ack(d amqp.Delivery) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := d.Ack(false); err != nil {
		log.Errorf("rabbitmq ack failed: %v", err)
	}
}

func (s *Subscriber) nack(d amqp.Delivery) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := d.Nack(false, false); err != nil {
		log.Errorf("rabbitmq nack failed: %v", err)
	}
}

func (s *Subscriber) republishToExchange(d amqp.Delivery, next int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.channel == nil {
		return errors.New("channel closed")
	}
	return s.channel.Publish(s.exchange, d.RoutingKey, false, false, amqp.Publishing{
		Headers:      withRetryCountHeader(d.Headers, next),
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    d.Timestamp,
	})
}

// Close stops consuming, waits for in-flight callbacks and closes the connection.
func (s *Subscriber) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
