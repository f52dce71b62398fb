package grpc

import (
	"time"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/usecase"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

func publishRequest(destination string, m *wire.Message) *usecase.PublishRequest {
	return &usecase.PublishRequest{
		Destination: destination,
		Payload:     m.Payload,
		Headers:     m.Headers,
		Priority:    m.Priority,
		TTL:         time.Duration(m.TTLMillis) * time.Millisecond,
		MessageID:   m.ID,
	}
}

func toWire(msg *entity.Message) *wire.Message {
	out := &wire.Message{
		ID:            msg.ID,
		Destination:   msg.Destination,
		Payload:       msg.Payload,
		Headers:       msg.Headers,
		Priority:      msg.Priority,
		Timestamp:     msg.Timestamp.UnixMilli(),
		DeliveryCount: msg.DeliveryCount,
		Sequence:      msg.Sequence,
	}
	if !msg.ExpiresAt.IsZero() {
		out.ExpiresAt = msg.ExpiresAt.UnixMilli()
	}
	return out
}
