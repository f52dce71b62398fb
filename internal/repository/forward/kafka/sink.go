// Package kafka forwards dead-lettered messages to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
)

// SinkName identifies this sink in logs and metrics.
const SinkName = "kafka"

const defaultTopic = "mtq-dead-letter"

// Config represents Kafka forwarder configuration
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Writer produces one record.
type Writer interface {
	Write(ctx context.Context, rec *kgo.Record) error
}

// Sink implements deadletter.Sink
type Sink struct {
	writer  Writer
	topic   string
	cleanup func()
}

var _ deadletter.Sink = (*Sink)(nil)

// New creates a sink over an existing writer.
func New(w Writer, cfg Config) *Sink {
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	return &Sink{writer: w, topic: cfg.Topic, cleanup: func() {}}
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, rec *kgo.Record) error {
	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// NewClient creates a sink backed by a franz-go client. Brokers are dialled lazily.
func NewClient(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", err)
	}

	s := New(kgoWriter{cl: cl}, cfg)
	s.cleanup = cl.Close
	return s, nil
}

func (s *Sink) Name() string { return SinkName }

// Record builds the Kafka record for msg, keyed by the origin destination.
func (s *Sink) Record(msg *entity.Message, from string) *kgo.Record {
	headers := deadletter.Headers(msg, from)
	rec := &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(from),
		Value:     msg.Payload,
		Timestamp: msg.Timestamp,
		Headers:   make([]kgo.RecordHeader, 0, len(headers)),
	}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

// Forward produces msg to the configured topic and waits for the ack.
func (s *Sink) Forward(ctx context.Context, msg *entity.Message, from string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writer.Write(ctx, s.Record(msg, from)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("kafka publish to %q: %w", s.topic, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.cleanup()
	return nil
}
