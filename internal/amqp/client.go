package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrCircuitOpen is returned while the broker is considered unavailable.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Client publishes and consumes entity-committed events on a direct exchange.
// Rejected messages are dead-lettered to <exchange>.dlx / <queue>.dlq.
type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	breaker *gobreaker.CircuitBreaker
}

func newClient(url, exchangeName, queueName string) *Client {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-publish",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isConnectionError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	client := newClient(url, exchangeName, queueName)
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	return nil
}

func (c *Client) dlxName() string { return c.exchangeName + ".dlx" }
func (c *Client) dlqName() string { return c.queueName + ".dlq" }

func (c *Client) setup(ch *amqp091.Channel) error {
	// Dead letter topology first so the work queue can reference it.
	if err := ch.ExchangeDeclare(c.dlxName(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.dlqName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(c.dlqName(), "", c.dlxName(), false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	err := ch.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		amqp091.Table{"x-dead-letter-exchange": c.dlxName()},
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Routing key is the queue name on a direct exchange.
	if err := ch.QueueBind(c.queueName, c.queueName, c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// currentChannel returns an open channel, redialing when the previous one died.
func (c *Client) currentChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c.channel, nil
}

// PublishEntityCommitted publishes an entity-committed event. It fails fast while
// the circuit breaker is open.
func (c *Client) PublishEntityCommitted(ctx context.Context, groupID int64, kind string, entityID, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := NewEntityCommittedMessage(groupID, kind, entityID, version)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		ch, err := c.currentChannel()
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		return nil, ch.PublishWithContext(
			ctx,
			c.exchangeName, // exchange
			c.queueName,    // routing key
			false,          // mandatory
			false,          // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp091.Persistent,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("publish entity committed: %w", ErrCircuitOpen)
	}
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	slog.DebugContext(ctx, "Published entity committed message",
		"group_id", groupID,
		"kind", kind,
		"entity_id", entityID,
		"version", version,
		"exchange", c.exchangeName)
	return nil
}

// ConsumeEntityCommitted delivers messages to handler until ctx is done. A handler
// error requeues the message; undecodable messages are dead-lettered. Lost
// connections are re-established with exponential backoff.
func (c *Client) ConsumeEntityCommitted(ctx context.Context, handler func(context.Context, *EntityCommittedMessage) error) error {
	return c.consumeLoop(ctx, false, handler)
}

// SubscribeEntityCommitted delivers a copy of every message to handler through an
// exclusive queue that lives as long as the subscription. Every subscriber sees
// every message, unlike ConsumeEntityCommitted where consumers share the work
// queue. Deliveries are not acknowledged individually and handler errors are only
// logged.
func (c *Client) SubscribeEntityCommitted(ctx context.Context, handler func(context.Context, *EntityCommittedMessage) error) error {
	return c.consumeLoop(ctx, true, handler)
}

func (c *Client) consumeLoop(ctx context.Context, private bool, handler func(context.Context, *EntityCommittedMessage) error) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, private, handler)
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		attempt++
		slog.WarnContext(ctx, "AMQP consumer lost its connection, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// declareSubscription binds a server-named, exclusive queue to the routing key of
// the work queue, so it receives a copy of every published message.
func (c *Client) declareSubscription(ch *amqp091.Channel) (string, error) {
	q, err := ch.QueueDeclare(
		"",    // name, assigned by the broker
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare subscription queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, c.queueName, c.exchangeName, false, nil); err != nil {
		return "", fmt.Errorf("bind subscription queue: %w", err)
	}
	return q.Name, nil
}

func (c *Client) consumeOnce(ctx context.Context, private bool, handler func(context.Context, *EntityCommittedMessage) error) error {
	ch, err := c.currentChannel()
	if err != nil {
		return err
	}
	queue := c.queueName
	if private {
		if queue, err = c.declareSubscription(ch); err != nil {
			return err
		}
	}
	msgs, err := ch.Consume(
		queue,   // queue
		"",      // consumer
		private, // auto-ack
		private, // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming entity committed messages", "queue", queue, "private", private)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}

			msg, err := EntityCommittedMessageFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
				if !private {
					delivery.Nack(false, false)
				}
				continue
			}

			if err := handler(ctx, msg); err != nil {
				slog.ErrorContext(ctx, "Failed to handle message",
					"error", err,
					"group_id", msg.GroupID,
					"entity_id", msg.EntityID,
					"version", msg.Version)
				if !private {
					delivery.Nack(false, true)
				}
				continue
			}

			if !private {
				delivery.Ack(false)
			}
			slog.DebugContext(ctx, "Processed entity committed message",
				"group_id", msg.GroupID,
				"kind", msg.Kind,
				"entity_id", msg.EntityID,
				"version", msg.Version)
		}
	}
}

// exponentialBackoff doubles from one second and is capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "channel closed", "dial amqp"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}
