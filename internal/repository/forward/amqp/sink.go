// Package amqp forwards dead-lettered messages to an AMQP 0-9-1 exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// SinkName identifies this sink in logs and metrics.
const SinkName = "amqp"

const (
	defaultExchange     = "mtq.dead-letter"
	defaultExchangeType = "topic"
	maxBackoff          = 30 * time.Second
)

// Config represents AMQP forwarder configuration
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	// RoutingKeyPrefix is prepended to the origin destination name.
	RoutingKeyPrefix string
	ConnTimeout      time.Duration
}

// PubMsg is one publish to the exchange.
type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	MessageID  string
	Timestamp  time.Time
}

// Publisher publishes to an AMQP exchange.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Sink implements deadletter.Sink
type Sink struct {
	publisher Publisher
	exchange  string
	prefix    string
	cleanup   func()
}

var _ deadletter.Sink = (*Sink)(nil)

// New creates a sink over an existing publisher.
func New(p Publisher, cfg Config) *Sink {
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	return &Sink{
		publisher: p,
		exchange:  cfg.Exchange,
		prefix:    cfg.RoutingKeyPrefix,
		cleanup:   func() {},
	}
}

// Dial creates a sink backed by a reconnecting AMQP connection. The
// connection is established in the background; Forward waits for it.
func Dial(cfg Config, log *logger.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaultExchangeType
	}
	if log == nil {
		log = logger.NewNop()
	}

	rp := newReconnectingPublisher(cfg, log)
	s := New(rp, cfg)
	s.cleanup = rp.close
	return s, nil
}

func (s *Sink) Name() string { return SinkName }

// Forward publishes msg with the origin destination as routing key.
func (s *Sink) Forward(ctx context.Context, msg *entity.Message, from string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.publisher.Publish(ctx, PubMsg{
		Exchange:   s.exchange,
		RoutingKey: s.prefix + from,
		Body:       msg.Payload,
		Headers:    deadletter.Headers(msg, from),
		MessageID:  msg.ID,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("amqp publish to %q: %w", s.exchange, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.cleanup()
	return nil
}

type reconnectingPublisher struct {
	cfg    Config
	logger *logger.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan struct{}
	ready  chan struct{}
	once   sync.Once
}

func newReconnectingPublisher(cfg Config, log *logger.Logger) *reconnectingPublisher {
	rp := &reconnectingPublisher{
		cfg:    cfg,
		logger: log,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go rp.run()
	return rp
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	rp.mu.RLock()
	ch, ready := rp.ch, rp.ready
	rp.mu.RUnlock()

	if ch == nil {
		select {
		case <-ready:
		case <-rp.closed:
			return errors.New("amqp publisher closed")
		case <-ctx.Done():
			return ctx.Err()
		}
		rp.mu.RLock()
		ch = rp.ch
		rp.mu.RUnlock()
		if ch == nil {
			return errors.New("amqp not connected")
		}
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      h,
			ContentType:  "application/octet-stream",
			MessageId:    m.MessageID,
			Timestamp:    m.Timestamp,
			Body:         m.Body,
		},
	)
}

func (rp *reconnectingPublisher) connect() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(rp.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "minitoolqueue"},
		Dial:       amqp.DefaultDial(rp.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(rp.cfg.Exchange, rp.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (rp *reconnectingPublisher) run() {
	backoff := time.Second
	// #nosec G404 -- backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := rp.connect()
		if err != nil {
			sleep := nextSleep(backoff, rng)
			rp.logger.Warn("AMQP forwarder connect failed",
				logger.Error(err),
				logger.Duration("retry_in", sleep),
			)
			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		rp.logger.Info("AMQP forwarder connected", logger.String("exchange", rp.cfg.Exchange))

		rp.mu.Lock()
		select {
		case <-rp.closed:
			rp.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
			return
		default:
		}
		rp.conn = conn
		rp.ch = ch
		close(rp.ready)
		rp.mu.Unlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rp.closed:
			return
		case amqpErr := <-notify:
			rp.logger.Warn("AMQP forwarder connection lost", logger.String("reason", fmt.Sprint(amqpErr)))
			rp.mu.Lock()
			_ = ch.Close()
			_ = conn.Close()
			rp.conn, rp.ch = nil, nil
			rp.ready = make(chan struct{})
			rp.mu.Unlock()
		}
	}
}

// nextSleep returns backoff plus up to a quarter of jitter, capped at maxBackoff.
func nextSleep(backoff time.Duration, rng *rand.Rand) time.Duration {
	jitter := time.Duration(rng.Int63n(int64(backoff/2) + 1))
	return min(backoff+jitter/2, maxBackoff)
}

func (rp *reconnectingPublisher) close() {
	rp.once.Do(func() {
		rp.mu.Lock()
		defer rp.mu.Unlock()
		close(rp.closed)
		if rp.ch != nil {
			_ = rp.ch.Close()
			rp.ch = nil
		}
		if rp.conn != nil {
			_ = rp.conn.Close()
			rp.conn = nil
		}
	})
}
