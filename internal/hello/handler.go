package hello

import (
	"context"

	"github.com/moroshma/MiniToolQueue/pkg/client"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// MessageHandler processes one delivery. A nil error acknowledges it; an
// error releases it for redelivery.
type MessageHandler interface {
	Handle(ctx context.Context, d *client.Delivery) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, d *client.Delivery) error

// Handle implements MessageHandler interface
func (f MessageHandlerFunc) Handle(ctx context.Context, d *client.Delivery) error {
	return f(ctx, d)
}

// LoggerHandler logs every received message
type LoggerHandler struct {
	logger *logger.Logger
}

// NewLoggerHandler creates a new logger handler
func NewLoggerHandler(log *logger.Logger) *LoggerHandler {
	return &LoggerHandler{logger: log}
}

// Handle logs the message
func (h *LoggerHandler) Handle(_ context.Context, d *client.Delivery) error {
	h.logger.Info("Received message",
		logger.String("destination", d.Destination),
		logger.String("message_id", d.ID),
		logger.String("body", string(d.Payload)),
		logger.Uint32("delivery_count", d.DeliveryCount),
	)
	return nil
}
