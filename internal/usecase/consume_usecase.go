package usecase

import (
	"fmt"

	"github.com/moroshma/MiniToolQueue/internal/auth"
	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// SessionOpener opens consumer sessions
type SessionOpener interface {
	OpenSession(destination string) (*dispatch.Session, error)
}

// ConsumeUseCase opens consumer sessions for authorized principals
type ConsumeUseCase struct {
	opener SessionOpener
	logger *logger.Logger
}

// NewConsumeUseCase creates a new consume use case
func NewConsumeUseCase(opener SessionOpener, log *logger.Logger) *ConsumeUseCase {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConsumeUseCase{opener: opener, logger: log}
}

// Open checks that principal may consume from destination and opens a
// session on it. A nil principal is an in-process consumer.
func (uc *ConsumeUseCase) Open(principal *auth.Principal, destination string) (*dispatch.Session, error) {
	if destination == "" {
		return nil, fmt.Errorf("%w: destination cannot be empty", qerr.ErrInvalidArgument)
	}
	if principal != nil {
		if err := principal.CanConsume(destination); err != nil {
			return nil, err
		}
	}

	s, err := uc.opener.OpenSession(destination)
	if err != nil {
		uc.logger.Warn("Failed to open consumer session",
			logger.String("destination", destination),
			logger.Error(err),
		)
		return nil, err
	}
	return s, nil
}
