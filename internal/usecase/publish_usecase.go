package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moroshma/MiniToolQueue/internal/auth"
	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// Publisher accepts messages into destinations
type Publisher interface {
	Publish(ctx context.Context, msg *entity.Message) (uint64, error)
}

// TTLPolicy decides how long messages live when the producer does not say.
type TTLPolicy struct {
	// Default applies to destinations without an entry in PerDestination.
	// Zero means messages never expire.
	Default        time.Duration
	PerDestination map[string]time.Duration
}

// For returns the TTL for a message on destination; requested wins when positive.
func (p TTLPolicy) For(destination string, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if ttl, ok := p.PerDestination[destination]; ok {
		return ttl
	}
	return p.Default
}

// PublishUseCase handles message publishing logic
type PublishUseCase struct {
	publisher Publisher
	ttl       TTLPolicy
	logger    *logger.Logger
}

// NewPublishUseCase creates a new publish use case
func NewPublishUseCase(publisher Publisher, ttl TTLPolicy, log *logger.Logger) *PublishUseCase {
	if log == nil {
		log = logger.NewNop()
	}
	return &PublishUseCase{
		publisher: publisher,
		ttl:       ttl,
		logger:    log,
	}
}

// PublishRequest represents a publish request
type PublishRequest struct {
	Destination string
	Payload     []byte
	Headers     map[string]string
	Priority    uint8
	TTL         time.Duration
	// MessageID is kept when set so producers can correlate; otherwise one is generated.
	MessageID string
}

// PublishResponse represents a publish response
type PublishResponse struct {
	MessageID    string
	Sequence     uint64
	EnqueueCount uint64
}

// Publish checks that principal may publish, builds the message and hands it
// to the delivery engine. A nil principal is an in-process producer.
func (uc *PublishUseCase) Publish(ctx context.Context, principal *auth.Principal, req *PublishRequest) (*PublishResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request cannot be nil", qerr.ErrInvalidArgument)
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("%w: destination cannot be empty", qerr.ErrInvalidArgument)
	}
	if req.Priority > entity.MaxPriority {
		return nil, fmt.Errorf("%w: priority %d out of range 0..%d", qerr.ErrInvalidArgument, req.Priority, entity.MaxPriority)
	}
	if principal != nil {
		if err := principal.CanPublish(req.Destination); err != nil {
			return nil, err
		}
	}

	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	msg := &entity.Message{
		ID:          id,
		Destination: req.Destination,
		Payload:     req.Payload,
		Headers:     req.Headers,
		Priority:    req.Priority,
		Timestamp:   now,
	}
	if ttl := uc.ttl.For(req.Destination, req.TTL); ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}

	count, err := uc.publisher.Publish(ctx, msg)
	if err != nil {
		uc.logger.Warn("Failed to publish message",
			logger.String("destination", req.Destination),
			logger.String("message_id", id),
			logger.Error(err),
		)
		return nil, err
	}

	uc.logger.Debug("Message published",
		logger.String("destination", req.Destination),
		logger.String("message_id", id),
		logger.Uint64("sequence", msg.Sequence),
		logger.Int("size", len(req.Payload)),
	)

	return &PublishResponse{
		MessageID:    id,
		Sequence:     msg.Sequence,
		EnqueueCount: count,
	}, nil
}
