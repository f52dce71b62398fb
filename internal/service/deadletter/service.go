// Package deadletter forwards dead-lettered messages to external systems.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/metrics"
)

// DefaultForwardTimeout bounds a single forward to one sink.
const DefaultForwardTimeout = 5 * time.Second

// Header names attached to every forwarded message.
const (
	HeaderMessageID     = "x-mtq-message-id"
	HeaderDestination   = "x-mtq-destination"
	HeaderOrigin        = "x-mtq-dead-letter-origin"
	HeaderDeliveryCount = "x-mtq-delivery-count"
)

// Sink is an external system that receives copies of dead-lettered messages.
type Sink interface {
	Name() string
	Forward(ctx context.Context, msg *entity.Message, from string) error
	Close() error
}

// Service fans dead-letter notifications out to every sink.
type Service struct {
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *logger.Logger
}

var _ dispatch.DeadLetterObserver = (*Service)(nil)

// NewService creates a forwarding service. timeout <= 0 uses DefaultForwardTimeout.
func NewService(sinks []Sink, timeout time.Duration, m *metrics.Metrics, log *logger.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		sinks:   sinks,
		timeout: timeout,
		metrics: m,
		logger:  log,
	}
}

// Sinks returns the configured sink names.
func (s *Service) Sinks() []string {
	names := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		names = append(names, sink.Name())
	}
	return names
}

// DeadLettered forwards msg to every sink. Failures are logged and counted;
// the message stays in its dead-letter destination regardless.
func (s *Service) DeadLettered(ctx context.Context, msg *entity.Message, from string) {
	_ = s.Forward(ctx, msg, from)
}

// Forward sends msg to every sink and returns the joined sink errors.
func (s *Service) Forward(ctx context.Context, msg *entity.Message, from string) error {
	var errs []error
	for _, sink := range s.sinks {
		fctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := sink.Forward(fctx, msg, from)
		cancel()

		s.metrics.Forwarded(sink.Name(), err)
		if err != nil {
			s.logger.Error("Failed to forward dead-lettered message",
				logger.String("sink", sink.Name()),
				logger.String("message_id", msg.ID),
				logger.String("origin", from),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		s.logger.Debug("Dead-lettered message forwarded",
			logger.String("sink", sink.Name()),
			logger.String("message_id", msg.ID),
		)
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (s *Service) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Headers returns msg's headers plus the dead-letter metadata headers.
func Headers(msg *entity.Message, from string) map[string]string {
	h := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		h[k] = v
	}
	h[HeaderMessageID] = msg.ID
	h[HeaderDestination] = msg.Destination
	h[HeaderOrigin] = from
	h[HeaderDeliveryCount] = fmt.Sprint(msg.DeliveryCount)
	return h
}
