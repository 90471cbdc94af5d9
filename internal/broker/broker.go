// Package broker wraps a durable RabbitMQ queue (github.com/rabbitmq/amqp091-go)
// with a publisher/consumer pair, a circuit breaker around publish, and
// explicit per-delivery ack/nack. It does not reconnect on its own: after
// a connection drop, only an explicit Connect call re-establishes it.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/chatpipeline/internal/domain"
	httpmetrics "github.com/sawpanic/chatpipeline/internal/interfaces/http"
)

// RetryCountHeader is the AMQP table header carrying the bounded-retry
// attempt count.
const RetryCountHeader = "x-retry-count"

// Delivery is the consumer-facing view of one broker message: its body,
// its retry-count header, and the ack/nack operations every envelope
// must end in exactly one of.
type Delivery interface {
	Body() []byte
	RetryCount() int
	Ack() error
	Nack(requeue bool) error
}

// Broker is the contract internal/dispatcher and internal/consumer depend
// on; Dispatcher only calls Connect/IsConnectionActive/Publish, Consumer
// additionally calls Consume and PublishWithRetryCount for the delayed republish.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnectionActive() bool

	// Publish sends a persistent message with x-retry-count=0.
	Publish(ctx context.Context, queueName string, body []byte) error

	// PublishWithRetryCount sends a persistent message stamped with the
	// given x-retry-count, used by the Consumer's delayed republish.
	PublishWithRetryCount(ctx context.Context, queueName string, body []byte, retryCount int) error

	// Consume subscribes to queueName with the given prefetch and
	// explicit acks, returning a channel of deliveries.
	Consume(ctx context.Context, queueName string, prefetch int) (<-chan Delivery, error)
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte { return a.d.Body }

func (a amqpDelivery) RetryCount() int {
	if a.d.Headers == nil {
		return 0
	}
	v, ok := a.d.Headers[RetryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func (a amqpDelivery) Ack() error           { return a.d.Ack(false) }
func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

// Connector is the process-wide AMQP connector: one connection, one
// channel, lifecycle tied to server start/stop. It is constructed once
// in main.go and injected into Dispatcher and Consumer rather than
// reached for via a package-level global.
type Connector struct {
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	publishBreaker *gobreaker.CircuitBreaker
	metrics        *httpmetrics.MetricsRegistry
}

// NewConnector builds a Connector against the given AMQP URL. The
// circuit breaker trips after 5 consecutive publish failures and resets
// itself after 30s, so a broker outage fails fast instead of hanging a
// Dispatcher tick. metrics may be nil, in which case publish errors and
// breaker transitions are not recorded.
func NewConnector(url string, metrics *httpmetrics.MetricsRegistry) *Connector {
	c := &Connector{url: url, metrics: metrics}
	c.publishBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("broker circuit breaker state change")
			if c.metrics != nil {
				c.metrics.BrokerBreakerState.Set(float64(to))
			}
		},
	})
	return c
}

// Connect establishes the connection and channel if not already active.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActiveLocked() {
		return nil
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return domain.TransientInfraError(domain.CodeQueueProcessingError, "amqp dial failed", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return domain.TransientInfraError(domain.CodeQueueProcessingError, "amqp channel failed", err)
	}

	c.conn = conn
	c.channel = ch

	log.Info().Msg("broker connection established")
	return nil
}

// Disconnect tears down the channel and connection.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.conn = nil
	}
	return firstErr
}

// IsConnectionActive reports whether the connection and channel are
// currently usable. It reports false after a connection drop until the
// next successful Connect call.
func (c *Connector) IsConnectionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActiveLocked()
}

func (c *Connector) isActiveLocked() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil
}

func (c *Connector) declareQueue(queueName string) error {
	_, err := c.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

// Publish sends a persistent message with x-retry-count=0.
func (c *Connector) Publish(ctx context.Context, queueName string, body []byte) error {
	return c.PublishWithRetryCount(ctx, queueName, body, 0)
}

// PublishWithRetryCount sends a persistent message stamped with the
// given x-retry-count header, wrapped in a circuit breaker.
func (c *Connector) PublishWithRetryCount(ctx context.Context, queueName string, body []byte, retryCount int) error {
	_, err := c.publishBreaker.Execute(func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if !c.isActiveLocked() {
			return nil, fmt.Errorf("broker connection not active")
		}
		if err := c.declareQueue(queueName); err != nil {
			return nil, fmt.Errorf("declare queue: %w", err)
		}

		return nil, c.channel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers: amqp.Table{
				RetryCountHeader: int32(retryCount),
			},
		})
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.BrokerPublishErrors.Inc()
		}
		return domain.TransientInfraError(domain.CodeQueueProcessingError, "publish failed", err)
	}
	return nil
}

// Consume subscribes to queueName with explicit acks and the given prefetch.
func (c *Connector) Consume(ctx context.Context, queueName string, prefetch int) (<-chan Delivery, error) {
	c.mu.Lock()
	if !c.isActiveLocked() {
		c.mu.Unlock()
		return nil, domain.TransientInfraError(domain.CodeQueueProcessingError, "broker connection not active", nil)
	}

	if err := c.declareQueue(queueName); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel qos: %w", err)
	}

	deliveries, err := c.channel.Consume(
		queueName,
		"",    // consumer tag, server-generated
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- amqpDelivery{d: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
