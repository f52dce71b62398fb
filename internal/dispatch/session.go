package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// Session is a consumer's link to one destination. It owns the messages
// dispatched to it until they are acked, released or the session closes.
type Session struct {
	id          string
	engine      *Engine
	destination string

	mu       sync.Mutex
	inflight map[string]*entity.Message
	isClosed bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(e *Engine, destination string) *Session {
	return &Session{
		id:          uuid.NewString(),
		engine:      e,
		destination: destination,
		inflight:    make(map[string]*entity.Message),
		closed:      make(chan struct{}),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Destination() string { return s.destination }

// InFlight returns the number of messages dispatched to s and not yet settled.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Receive waits for the next message of the session's destination. A
// positive timeout bounds the wait and ends it with ErrDeliveryTimeout; zero
// waits until ctx is done, the session closes or the engine stops.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (*entity.Message, error) {
	e := s.engine
	select {
	case <-s.closed:
		return nil, qerr.ErrSessionClosed
	default:
	}
	if e.isStopped() {
		return nil, qerr.ErrBrokerStopped
	}

	if err := e.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.pool.Release(1)

	start := time.Now()
	defer func() { e.metrics.ObserveReceiveWait(time.Since(start).Seconds()) }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if e.isStopped() {
			return nil, qerr.ErrBrokerStopped
		}
		ready := e.store.NotifyReady(s.destination)
		msg, err := e.store.Dequeue(ctx, s.destination)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return s.track(ctx, msg)
		}

		select {
		case <-ready:
		case <-deadline:
			return nil, fmt.Errorf("%w: nothing on %q within %s", qerr.ErrDeliveryTimeout, s.destination, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, qerr.ErrSessionClosed
		case <-e.stopped:
			return nil, qerr.ErrBrokerStopped
		}
	}
}

// track records msg as in flight, or hands it straight back when the session
// closed while the message was being dispatched.
func (s *Session) track(ctx context.Context, msg *entity.Message) (*entity.Message, error) {
	s.mu.Lock()
	if !s.isClosed {
		s.inflight[msg.ID] = msg
		s.mu.Unlock()
		return msg.Clone(), nil
	}
	s.mu.Unlock()

	if err := s.engine.returnMessage(ctx, s.destination, msg); err != nil && !errors.Is(err, qerr.ErrMaxRedeliveryExceeded) {
		return nil, err
	}
	return nil, qerr.ErrSessionClosed
}

// Ack settles a delivered message; it is removed for good.
func (s *Session) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflight[id]; !ok {
		return fmt.Errorf("%w: %s", qerr.ErrUnknownDelivery, id)
	}
	if err := s.engine.store.Ack(ctx, s.destination, id); err != nil {
		return err
	}
	delete(s.inflight, id)
	return nil
}

// Release gives a delivered message back for redelivery. When the message has
// used up its redeliveries it is dead-lettered and ErrMaxRedeliveryExceeded
// is returned.
func (s *Session) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	msg, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", qerr.ErrUnknownDelivery, id)
	}
	return s.engine.returnMessage(ctx, s.destination, msg)
}

// Close ends the session and returns every unsettled message to its
// destination. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	var pending []*entity.Message
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.isClosed = true
		for id, msg := range s.inflight {
			pending = append(pending, msg)
			delete(s.inflight, id)
		}
		s.mu.Unlock()
		close(s.closed)
	})
	if !first {
		return nil
	}
	defer s.engine.forget(s)

	var errs []error
	for _, msg := range pending {
		err := s.engine.returnMessage(ctx, s.destination, msg)
		if err != nil && !errors.Is(err, qerr.ErrMaxRedeliveryExceeded) {
			errs = append(errs, err)
		}
	}

	s.engine.logger.Debug("Consumer session closed",
		logger.String("session_id", s.id),
		logger.String("destination", s.destination),
		logger.Int("returned", len(pending)),
	)
	return errors.Join(errs...)
}
