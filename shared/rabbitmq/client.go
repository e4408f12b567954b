package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPublishRetries = 3
	defaultRetryDelay     = 100 * time.Millisecond
	defaultBackoffMult    = 2.0
)

// ErrNotConnected is returned by every operation once the client is closed
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	DeadLetterQueue    string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL renders the AMQP URL with credentials and vhost escaped
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s@%s:%d/%s",
		url.UserPassword(c.User, c.Password).String(),
		c.Host,
		c.Port,
		url.PathEscape(vhost),
	)
}

// queueArgs routes rejected notifications to the dead-letter queue
func (c *Config) queueArgs() amqp.Table {
	if c.DeadLetterQueue == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.DeadLetterQueue,
	}
}

// backoff returns the wait after the given failed publish attempt (0-based)
func (c *Config) backoff(attempt int) time.Duration {
	base := c.PublishRetryDelay
	if base <= 0 {
		base = defaultRetryDelay
	}
	mult := c.PublishBackoffMult
	if mult < 1 {
		mult = defaultBackoffMult
	}
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}

// Client represents a RabbitMQ client
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error
	connected atomic.Bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.connected.Store(true)
	go c.watchClose()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)

	return nil
}

// watchClose flips the connected flag when the broker closes the channel
func (c *Client) watchClose() {
	amqpErr, ok := <-c.closeChan
	c.connected.Store(false)
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.String("reason", amqpErr.Reason),
			slog.Int("code", amqpErr.Code),
		)
	}
}

// setup declares exchange, queues, and bindings
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if c.config.DeadLetterQueue != "" {
		_, err = c.channel.QueueDeclare(
			c.config.DeadLetterQueue, // name
			true,                     // durable
			false,                    // auto-delete
			false,                    // exclusive
			false,                    // no-wait
			nil,                      // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,       // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		c.config.queueArgs(),     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

func (c *Client) publish(ctx context.Context, body []byte, contentType string) error {
	return c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		c.config.RoutingKey,   // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// PublishWithRetry publishes a message with exponential backoff between
// attempts. It gives up early when ctx is done.
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = defaultPublishRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publish(ctx, body, contentType)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(body)),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.Int("body_size", len(body)),
					slog.String("content_type", contentType),
				)
			}
			return nil
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}

		delay := c.config.backoff(attempt)
		c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish canceled after %d attempts: %w", attempt+1, ctx.Err())
		case <-time.After(delay):
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Qos limits the number of unacknowledged deliveries per consumer
func (c *Client) Qos(prefetchCount int) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.channel.Qos(prefetchCount, 0, false)
}

// Consume starts consuming messages from the queue with manual acks
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	messages, err := c.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.connected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}
