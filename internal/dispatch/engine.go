package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/store"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/metrics"
)

// RequeuePolicy decides where a returned message goes in its destination.
type RequeuePolicy string

const (
	RequeueHead RequeuePolicy = "head"
	RequeueTail RequeuePolicy = "tail"
)

const (
	DefaultMaxRedeliveries  = 6
	DefaultDispatchPoolSize = 1024
)

// Config represents Delivery Engine configuration
type Config struct {
	// MaxRedeliveries is how many times a message may be returned and
	// redelivered before it is dead-lettered. Negative means unlimited.
	MaxRedeliveries int
	Requeue         RequeuePolicy
	// SendTimeout bounds how long a publish waits for space in a full
	// destination. Zero fails immediately with ErrCapacityExceeded.
	SendTimeout time.Duration
	// DispatchPoolSize bounds the receives waiting for a message at once.
	DispatchPoolSize int64
}

// DeadLetterObserver is told about every message moved to a dead-letter destination.
type DeadLetterObserver interface {
	DeadLettered(ctx context.Context, msg *entity.Message, from string)
}

// Engine matches published messages to consumer sessions and owns
// acknowledgement, redelivery and dead-lettering.
type Engine struct {
	store   *store.Store
	cfg     Config
	pool    *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu            sync.Mutex
	sessions      map[*Session]struct{}
	observers     []DeadLetterObserver
	observersDone bool

	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Delivery Engine over st.
func New(st *store.Store, cfg Config, m *metrics.Metrics, log *logger.Logger) *Engine {
	if cfg.Requeue == "" {
		cfg.Requeue = RequeueHead
	}
	if cfg.DispatchPoolSize <= 0 {
		cfg.DispatchPoolSize = DefaultDispatchPoolSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		pool:     semaphore.NewWeighted(cfg.DispatchPoolSize),
		metrics:  m,
		logger:   log,
		sessions: make(map[*Session]struct{}),
		stopped:  make(chan struct{}),
	}
}

// Store returns the Queue Store the engine dispatches from.
func (e *Engine) Store() *store.Store {
	return e.store
}

// AddObserver registers o for dead-letter notifications.
func (e *Engine) AddObserver(o DeadLetterObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) isStopped() bool {
	select {
	case <-e.stopped:
		return true
	default:
		return false
	}
}

// Publish accepts msg into its destination and returns the destination's
// enqueue count. A full destination is retried until space frees up or
// SendTimeout elapses, after which ErrCapacityExceeded is returned.
func (e *Engine) Publish(ctx context.Context, msg *entity.Message) (uint64, error) {
	if msg == nil || msg.Destination == "" {
		return 0, fmt.Errorf("%w: message destination cannot be empty", qerr.ErrInvalidArgument)
	}
	if e.isStopped() {
		e.metrics.PublishRejected(msg.Destination, metrics.ReasonStopped)
		return 0, qerr.ErrBrokerStopped
	}

	var deadline <-chan time.Time
	for {
		space := e.store.NotifySpace(msg.Destination)
		count, err := e.store.Enqueue(ctx, msg)
		if err == nil || !errors.Is(err, qerr.ErrCapacityExceeded) || e.cfg.SendTimeout <= 0 {
			return count, err
		}

		if deadline == nil {
			timer := time.NewTimer(e.cfg.SendTimeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-space:
		case <-deadline:
			return 0, err
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.stopped:
			return 0, qerr.ErrBrokerStopped
		}
	}
}

// OpenSession creates a consumer session on destination.
func (e *Engine) OpenSession(destination string) (*Session, error) {
	if e.isStopped() {
		return nil, qerr.ErrBrokerStopped
	}
	if err := e.store.Ensure(destination); err != nil {
		return nil, err
	}

	s := newSession(e, destination)

	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()

	e.logger.Debug("Consumer session opened",
		logger.String("session_id", s.id),
		logger.String("destination", destination),
	)
	return s, nil
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

func (e *Engine) snapshotSessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Sessions returns the number of open consumer sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// InFlight returns the number of messages dispatched to open sessions and not yet settled.
func (e *Engine) InFlight() int {
	n := 0
	for _, s := range e.snapshotSessions() {
		n += s.InFlight()
	}
	return n
}

// returnMessage hands an unacknowledged message back to the store, or
// dead-letters it when it has used up its redeliveries.
func (e *Engine) returnMessage(ctx context.Context, destination string, msg *entity.Message) error {
	limit := e.cfg.MaxRedeliveries
	if limit >= 0 && !e.store.IsDeadLetter(destination) && int(msg.DeliveryCount)+1 > limit {
		moved, err := e.store.DeadLetter(ctx, destination, msg.ID)
		if err != nil {
			return err
		}
		e.notifyDeadLetter(moved, destination)
		return fmt.Errorf("%w: message %s moved to %s after %d deliveries",
			qerr.ErrMaxRedeliveryExceeded, msg.ID, moved.Destination, moved.DeliveryCount)
	}

	_, err := e.store.Requeue(ctx, destination, msg.ID, e.cfg.Requeue != RequeueTail)
	return err
}

// notifyDeadLetter runs the observers in the background. After Stop has
// waited for them, observers are skipped and the message stays in its
// dead-letter queue.
func (e *Engine) notifyDeadLetter(msg *entity.Message, from string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.observersDone {
		if len(e.observers) > 0 {
			e.logger.Warn("Engine stopped, dead-letter observers skipped",
				logger.String("message_id", msg.ID),
				logger.String("destination", from),
			)
		}
		return
	}

	for _, o := range e.observers {
		e.wg.Add(1)
		go func(o DeadLetterObserver) {
			defer e.wg.Done()
			o.DeadLettered(context.Background(), msg.Clone(), from)
		}(o)
	}
}

// Stop refuses further publishes and receives, then closes every session.
// With drain set it first waits, bounded by ctx, for in-flight messages to
// be settled. Messages still in flight when sessions close go back to their
// destinations. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context, drain bool) error {
	e.stopOnce.Do(func() { close(e.stopped) })

	var drainErr error
	if drain {
		drainErr = e.waitDrained(ctx)
	}

	var errs []error
	for _, s := range e.snapshotSessions() {
		if err := s.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	e.observersDone = true
	e.mu.Unlock()
	e.wg.Wait()

	if drainErr != nil {
		e.logger.Warn("Drain period ended with messages in flight", logger.Error(drainErr))
	}
	return errors.Join(errs...)
}

func (e *Engine) waitDrained(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		inflight := e.InFlight()
		if inflight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d messages still in flight: %w", inflight, ctx.Err())
		case <-ticker.C:
		}
	}
}
