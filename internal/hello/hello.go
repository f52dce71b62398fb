// Package hello is the Hello World application: a producer and a consumer
// on the queue "example". The application sends one startup message itself;
// callers may send more through its producer.
package hello

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moroshma/MiniToolQueue/pkg/client"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

const (
	DefaultQueue          = "example"
	DefaultStartupMessage = "Hello World"
	DefaultPollTimeout    = time.Second
	retryDelay            = 100 * time.Millisecond
)

// Sender publishes messages.
type Sender interface {
	Send(ctx context.Context, payload []byte, opts ...client.SendOption) (*client.Receipt, error)
}

// Receiver hands out deliveries, waiting up to timeout for one.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (*client.Delivery, error)
}

// Producer sends text messages.
type Producer struct {
	sender Sender
	logger *logger.Logger
}

// NewProducer creates a producer on top of sender.
func NewProducer(sender Sender, log *logger.Logger) *Producer {
	return &Producer{sender: sender, logger: log}
}

// SendMessage sends text and returns the broker's receipt.
func (p *Producer) SendMessage(ctx context.Context, text string) (*client.Receipt, error) {
	receipt, err := p.sender.Send(ctx, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	p.logger.Info("Sent message",
		logger.String("message_id", receipt.MessageID),
		logger.String("body", text),
		logger.Uint64("enqueue_count", receipt.EnqueueCount),
	)
	return receipt, nil
}

// Consumer receives messages in the background and passes them to a handler.
type Consumer struct {
	receiver    Receiver
	handler     MessageHandler
	pollTimeout time.Duration
	logger      *logger.Logger

	handled atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewConsumer creates a consumer. A non-positive pollTimeout uses DefaultPollTimeout.
func NewConsumer(receiver Receiver, handler MessageHandler, pollTimeout time.Duration, log *logger.Logger) *Consumer {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Consumer{
		receiver:    receiver,
		handler:     handler,
		pollTimeout: pollTimeout,
		logger:      log,
	}
}

// Start launches the receive loop.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop ends the receive loop and waits for it. Stop is idempotent.
func (c *Consumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

// Handled returns how many messages were handled and acknowledged.
func (c *Consumer) Handled() int64 {
	return c.handled.Load()
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		d, err := c.receiver.Receive(ctx, c.pollTimeout)
		switch {
		case err == nil:
			c.process(ctx, d)
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, qerr.ErrDeliveryTimeout):
			continue
		case errors.Is(err, qerr.ErrSessionClosed),
			errors.Is(err, qerr.ErrBrokerStopped),
			errors.Is(err, client.ErrConnectionClosed),
			errors.Is(err, client.ErrConnectionLost):
			c.logger.Info("Consumer stopped", logger.Error(err))
			return
		}

		c.logger.Warn("Receive failed", logger.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (c *Consumer) process(ctx context.Context, d *client.Delivery) {
	if err := c.handler.Handle(ctx, d); err != nil {
		c.logger.Warn("Handler failed, releasing message",
			logger.String("message_id", d.ID),
			logger.Error(err),
		)
		if err := d.Release(ctx); err != nil {
			c.logger.Error("Failed to release message", logger.String("message_id", d.ID), logger.Error(err))
		}
		return
	}
	if err := d.Ack(ctx); err != nil {
		c.logger.Error("Failed to acknowledge message", logger.String("message_id", d.ID), logger.Error(err))
		return
	}
	c.handled.Add(1)
}

// Config represents Hello World application configuration
type Config struct {
	URI            string
	Queue          string
	StartupMessage string
	PollTimeout    time.Duration
	Client         client.Options
}

// App is a running Hello World application.
type App struct {
	conn     *client.Connection
	producer *Producer
	consumer *Consumer
	logger   *logger.Logger
}

// Run connects, starts the consumer and sends the startup message. It
// returns once the broker has accepted that message.
func Run(ctx context.Context, cfg Config, handler MessageHandler, log *logger.Logger) (*App, error) {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.StartupMessage == "" {
		cfg.StartupMessage = DefaultStartupMessage
	}
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("hello").WithField("queue", cfg.Queue)
	if handler == nil {
		handler = NewLoggerHandler(log)
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = log
	}

	conn, err := client.Dial(ctx, cfg.URI, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URI, err)
	}

	app := &App{conn: conn, logger: log}
	if err := app.open(ctx, cfg, handler); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) open(ctx context.Context, cfg Config, handler MessageHandler) error {
	sender, err := a.conn.NewProducer(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	receiver, err := a.conn.NewConsumer(ctx, cfg.Queue)
	if err != nil {
		return err
	}

	a.producer = NewProducer(sender, a.logger)
	a.consumer = NewConsumer(receiver, handler, cfg.PollTimeout, a.logger)
	a.consumer.Start(context.Background())

	if _, err := a.producer.SendMessage(ctx, cfg.StartupMessage); err != nil {
		return fmt.Errorf("failed to send startup message: %w", err)
	}
	return nil
}

// Producer returns the application's producer.
func (a *App) Producer() *Producer {
	return a.producer
}

// Consumer returns the application's consumer.
func (a *App) Consumer() *Consumer {
	return a.consumer
}

// Close stops the consumer and closes the connection.
func (a *App) Close(ctx context.Context) error {
	if a.consumer != nil {
		a.consumer.Stop()
	}
	return a.conn.Close(ctx)
}
