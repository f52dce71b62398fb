// Package nats forwards dead-lettered messages to a NATS subject.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
)

// SinkName identifies this sink in logs and metrics.
const SinkName = "nats"

const defaultSubjectPrefix = "mtq.dead-letter."

// Config represents NATS forwarder configuration
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	ConnTimeout   time.Duration
	MaxReconnects int
}

// Client publishes one message to a subject.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Sink implements deadletter.Sink
type Sink struct {
	client  Client
	prefix  string
	cleanup func()
}

var _ deadletter.Sink = (*Sink)(nil)

// New creates a sink over an existing client.
func New(c Client, cfg Config) *Sink {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	return &Sink{client: c, prefix: cfg.SubjectPrefix, cleanup: func() {}}
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Add(k, v)
		}
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}
	return c.nc.FlushWithContext(ctx)
}

// Connect creates a sink backed by a real NATS connection.
func Connect(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url required")
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	s := New(natsClient{nc: nc}, cfg)
	s.cleanup = func() {
		if !nc.IsClosed() {
			_ = nc.Drain()
			nc.Close()
		}
	}
	return s, nil
}

func (s *Sink) Name() string { return SinkName }

// Subject is where messages dead-lettered from destination are published.
func (s *Sink) Subject(destination string) string {
	return s.prefix + destination
}

// Forward publishes msg to the origin destination's subject.
func (s *Sink) Forward(ctx context.Context, msg *entity.Message, from string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := s.Subject(from)
	if err := s.client.Publish(ctx, subject, msg.Payload, deadletter.Headers(msg, from)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("nats publish to %q: %w", subject, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.cleanup()
	return nil
}
