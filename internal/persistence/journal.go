// Package persistence implements the broker's message journal on top of a
// record store and, for large payloads, object storage.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/domain/repository"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// DefaultOffloadThreshold is the payload size above which payloads go to object storage.
const DefaultOffloadThreshold = 256 * 1024

// RecordRepository stores message records
type RecordRepository interface {
	SaveMessage(ctx context.Context, msg *entity.Message) error
	DeleteMessage(ctx context.Context, id string) (objectName string, err error)
	LoadMessages(ctx context.Context) ([]*entity.Message, error)
}

// Journal implements repository.MessageJournal
type Journal struct {
	records   RecordRepository
	storage   repository.StorageRepository
	threshold int
	logger    *logger.Logger
}

var _ repository.MessageJournal = (*Journal)(nil)

// NewJournal creates a journal. A nil storage keeps every payload in the
// record store; threshold <= 0 uses DefaultOffloadThreshold.
func NewJournal(records RecordRepository, storage repository.StorageRepository, threshold int, log *logger.Logger) *Journal {
	if threshold <= 0 {
		threshold = DefaultOffloadThreshold
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Journal{
		records:   records,
		storage:   storage,
		threshold: threshold,
		logger:    log,
	}
}

// ObjectName is where the payload of a message is offloaded to.
func ObjectName(msg *entity.Message) string {
	return fmt.Sprintf("%s/%s", msg.Destination, msg.ID)
}

// Save writes the record for msg. A payload above the threshold is uploaded
// once and msg.ObjectName is set to its object.
func (j *Journal) Save(ctx context.Context, msg *entity.Message) error {
	if j.storage != nil && msg.ObjectName == "" && len(msg.Payload) > j.threshold {
		name := ObjectName(msg)
		if err := j.storage.PutObject(ctx, name, msg.Payload, msg.Headers["content-type"]); err != nil {
			return fmt.Errorf("failed to offload payload: %w", err)
		}
		msg.ObjectName = name
	}

	if err := j.records.SaveMessage(ctx, msg); err != nil {
		return err
	}
	return nil
}

// Delete removes the record and its offloaded payload.
func (j *Journal) Delete(ctx context.Context, id string) error {
	objectName, err := j.records.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	if objectName == "" || j.storage == nil {
		return nil
	}

	if err := j.storage.DeleteObject(ctx, objectName); err != nil {
		// The record is gone; an orphaned object is left to bucket expiration.
		j.logger.Warn("Failed to delete offloaded payload",
			logger.String("message_id", id),
			logger.String("object", objectName),
			logger.Error(err),
		)
	}
	return nil
}

// LoadAll returns every journalled message with offloaded payloads fetched back.
func (j *Journal) LoadAll(ctx context.Context) ([]*entity.Message, error) {
	messages, err := j.records.LoadMessages(ctx)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, msg := range messages {
		if msg.ObjectName == "" {
			continue
		}
		if j.storage == nil {
			errs = append(errs, fmt.Errorf("message %s has an offloaded payload but no object storage is configured", msg.ID))
			continue
		}
		data, err := j.storage.GetObject(ctx, msg.ObjectName)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
			continue
		}
		msg.Payload = data
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to load offloaded payloads: %w", err)
	}
	return messages, nil
}
