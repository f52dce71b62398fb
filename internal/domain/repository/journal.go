package repository

import (
	"context"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
)

// MessageJournal defines durable storage for messages owned by the broker.
// Records are keyed by message ID; Save replaces an existing record.
type MessageJournal interface {
	// Save writes or replaces the record for msg
	Save(ctx context.Context, msg *entity.Message) error

	// Delete removes the record with the given message ID
	Delete(ctx context.Context, id string) error

	// LoadAll returns every journalled message, payloads included
	LoadAll(ctx context.Context) ([]*entity.Message, error)
}
