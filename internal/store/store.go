package store

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/domain/repository"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/metrics"
)

// DefaultDeadLetterPrefix is prepended to a queue name to build its dead-letter queue.
const DefaultDeadLetterPrefix = "DLQ."

// Config represents Queue Store configuration
type Config struct {
	// Capacity bounds the depth of every regular destination. Zero or negative is unbounded.
	Capacity int
	// Capacities overrides Capacity per destination name.
	Capacities map[string]int
	// DeadLetterPrefix names dead-letter destinations. Empty means DefaultDeadLetterPrefix.
	DeadLetterPrefix string
}

// Store holds the messages of every destination. Each destination has its own
// lock; the store lock only guards the destination map.
type Store struct {
	cfg     Config
	journal repository.MessageJournal
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu           sync.RWMutex
	destinations map[string]*destination
}

// New creates a Queue Store. A nil journal keeps messages in memory only.
func New(cfg Config, journal repository.MessageJournal, m *metrics.Metrics, log *logger.Logger) *Store {
	if cfg.DeadLetterPrefix == "" {
		cfg.DeadLetterPrefix = DefaultDeadLetterPrefix
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		cfg:          cfg,
		journal:      journal,
		metrics:      m,
		logger:       log,
		destinations: make(map[string]*destination),
	}
}

// Persistent reports whether accepted messages are written to a journal.
func (s *Store) Persistent() bool {
	return s.journal != nil
}

// DeadLetterName returns the dead-letter destination for name.
func (s *Store) DeadLetterName(name string) string {
	return s.cfg.DeadLetterPrefix + name
}

// IsDeadLetter reports whether name is a dead-letter destination.
func (s *Store) IsDeadLetter(name string) bool {
	return strings.HasPrefix(name, s.cfg.DeadLetterPrefix)
}

// Ensure creates the destination if it does not exist yet.
func (s *Store) Ensure(name string) error {
	if name == "" {
		return fmt.Errorf("%w: destination name cannot be empty", qerr.ErrInvalidArgument)
	}
	s.destination(name)
	return nil
}

func (s *Store) lookup(name string) *destination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destinations[name]
}

func (s *Store) destination(name string) *destination {
	if d := s.lookup(name); d != nil {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.destinations[name]; ok {
		return d
	}

	capacity := s.cfg.Capacity
	if c, ok := s.cfg.Capacities[name]; ok {
		capacity = c
	}
	d := newDestination(name, capacity, s.IsDeadLetter(name))
	s.destinations[name] = d

	s.logger.Debug("Destination created",
		logger.String("destination", name),
		logger.Int("capacity", capacity),
		logger.Bool("dead_letter", d.deadLetter),
	)
	return d
}

// fail marks d failed; d.mu must be held.
func (s *Store) fail(d *destination, err error) error {
	if d.failure == nil {
		d.failure = err
		s.logger.Error("Destination failed",
			logger.String("destination", d.name),
			logger.Error(err),
		)
	}
	return fmt.Errorf("%w: destination %q: %w", qerr.ErrDestinationFailed, d.name, err)
}

func failedErr(d *destination) error {
	return fmt.Errorf("%w: destination %q: %v", qerr.ErrDestinationFailed, d.name, d.failure)
}

// Enqueue accepts msg into its destination and returns the destination's
// enqueue count. It never blocks on capacity: a full destination fails with
// ErrCapacityExceeded and leaves counters untouched. A missing ID or Timestamp
// is filled in on msg and a priority above MaxPriority is clamped; the store
// keeps its own copy.
func (s *Store) Enqueue(ctx context.Context, msg *entity.Message) (uint64, error) {
	if msg == nil || msg.Destination == "" {
		return 0, fmt.Errorf("%w: message destination cannot be empty", qerr.ErrInvalidArgument)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Priority > entity.MaxPriority {
		msg.Priority = entity.MaxPriority
	}

	d := s.destination(msg.Destination)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failure != nil {
		s.metrics.PublishRejected(d.name, metrics.ReasonFailed)
		return 0, failedErr(d)
	}
	if d.full() {
		s.metrics.PublishRejected(d.name, metrics.ReasonCapacity)
		return 0, fmt.Errorf("%w: destination %q holds %d of %d messages",
			qerr.ErrCapacityExceeded, d.name, d.depth(), d.capacity)
	}

	msg.Sequence = d.sequence + 1
	stored := msg.Clone()
	if s.journal != nil {
		if err := s.journal.Save(ctx, stored); err != nil {
			return 0, s.fail(d, err)
		}
	}

	d.sequence = stored.Sequence
	d.push(stored, false)
	d.stats.enqueued++
	s.metrics.Enqueued(d.name, d.depth())

	return d.stats.enqueued, nil
}

// Dequeue dispatches the next ready message of name, or returns nil when the
// destination has nothing ready. The dispatched message stays owned by the
// destination as in-flight until it is acked, requeued or dead-lettered.
func (s *Store) Dequeue(ctx context.Context, name string) (*entity.Message, error) {
	d := s.destination(name)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failure != nil {
		return nil, failedErr(d)
	}

	now := time.Now()
	for d.ready.Len() > 0 {
		it := heap.Pop(&d.ready).(*item)
		if it.msg.Expired(now) {
			if err := s.expire(ctx, d, it.msg); err != nil {
				return nil, err
			}
			continue
		}

		d.inflight[it.msg.ID] = it.msg
		d.stats.dispatched++
		s.metrics.Dispatched(d.name)
		return it.msg.Clone(), nil
	}

	return nil, nil
}

// expire drops a message that is no longer in the ready queue; d.mu must be held.
func (s *Store) expire(ctx context.Context, d *destination, msg *entity.Message) error {
	if s.journal != nil {
		if err := s.journal.Delete(ctx, msg.ID); err != nil {
			return s.fail(d, err)
		}
	}
	d.stats.expired++
	d.signalSpace()
	s.metrics.Expired(d.name, 1, d.depth())
	return nil
}

// Ack permanently removes an in-flight message and counts it as dequeued.
func (s *Store) Ack(ctx context.Context, name, id string) error {
	d := s.lookup(name)
	if d == nil {
		return fmt.Errorf("%w: %q", qerr.ErrUnknownDestination, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.inflight[id]; !ok {
		return fmt.Errorf("%w: message %s is not in flight on %q", qerr.ErrUnknownDelivery, id, name)
	}
	if d.failure != nil {
		return failedErr(d)
	}
	if s.journal != nil {
		if err := s.journal.Delete(ctx, id); err != nil {
			return s.fail(d, err)
		}
	}

	delete(d.inflight, id)
	d.stats.dequeued++
	d.signalSpace()
	s.metrics.Dequeued(d.name, d.depth())
	return nil
}

// Requeue returns an in-flight message to the head or tail of its destination
// with its delivery count incremented, and returns a copy of it.
func (s *Store) Requeue(ctx context.Context, name, id string, atHead bool) (*entity.Message, error) {
	d := s.lookup(name)
	if d == nil {
		return nil, fmt.Errorf("%w: %q", qerr.ErrUnknownDestination, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.inflight[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s is not in flight on %q", qerr.ErrUnknownDelivery, id, name)
	}

	delete(d.inflight, id)
	msg.DeliveryCount++
	d.push(msg, atHead)
	d.stats.redelivered++
	s.metrics.Redelivered(d.name)

	if d.failure == nil && s.journal != nil {
		if err := s.journal.Save(ctx, msg); err != nil {
			return msg.Clone(), s.fail(d, err)
		}
	}
	return msg.Clone(), nil
}

// DeadLetter moves an in-flight message of name to its dead-letter destination.
// Dead-letter destinations are unbounded so the move cannot hit capacity.
func (s *Store) DeadLetter(ctx context.Context, name, id string) (*entity.Message, error) {
	if s.IsDeadLetter(name) {
		return nil, fmt.Errorf("%w: %q is already a dead-letter destination", qerr.ErrInvalidArgument, name)
	}
	src := s.lookup(name)
	if src == nil {
		return nil, fmt.Errorf("%w: %q", qerr.ErrUnknownDestination, name)
	}
	dst := s.destination(s.DeadLetterName(name))

	// Lock order is always regular destination before dead-letter destination.
	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	msg, ok := src.inflight[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s is not in flight on %q", qerr.ErrUnknownDelivery, id, name)
	}
	if dst.failure != nil {
		return nil, failedErr(dst)
	}

	moved := msg.Clone()
	moved.Destination = dst.name
	moved.DeliveryCount++
	moved.Sequence = dst.sequence + 1
	if s.journal != nil {
		if err := s.journal.Save(ctx, moved); err != nil {
			return nil, s.fail(dst, err)
		}
	}

	delete(src.inflight, id)
	src.stats.deadLettered++
	src.signalSpace()
	s.metrics.DeadLettered(src.name, src.depth())

	dst.sequence = moved.Sequence
	dst.push(moved, false)
	dst.stats.enqueued++
	s.metrics.Enqueued(dst.name, dst.depth())

	s.logger.Info("Message dead-lettered",
		logger.String("destination", src.name),
		logger.String("dead_letter", dst.name),
		logger.String("message_id", id),
		logger.Uint32("delivery_count", moved.DeliveryCount),
	)
	return moved.Clone(), nil
}

// Peek returns the message that Dequeue would dispatch next, without dispatching it.
func (s *Store) Peek(name string) (*entity.Message, bool) {
	d := s.lookup(name)
	if d == nil {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	best := -1
	for i, it := range d.ready {
		if it.msg.Expired(now) {
			continue
		}
		if best < 0 || d.ready.Less(i, best) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return d.ready[best].msg.Clone(), true
}

// Stats returns a snapshot of the named destination.
func (s *Store) Stats(name string) (entity.QueueStats, error) {
	d := s.lookup(name)
	if d == nil {
		return entity.QueueStats{}, fmt.Errorf("%w: %q", qerr.ErrUnknownDestination, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// Destinations returns the names of all known destinations, sorted.
func (s *Store) Destinations() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.destinations))
	for name := range s.destinations {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// NotifyReady returns a channel closed the next time a message becomes ready
// on name. Take it before calling Dequeue so no wakeup is missed.
func (s *Store) NotifyReady(name string) <-chan struct{} {
	d := s.destination(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyCh
}

// NotifySpace returns a channel closed the next time the depth of name drops.
// Take it before calling Enqueue so no wakeup is missed.
func (s *Store) NotifySpace(name string) <-chan struct{} {
	d := s.destination(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spaceCh
}

// PurgeExpired removes expired ready messages from every destination and
// returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	var errs []error

	for _, name := range s.Destinations() {
		d := s.lookup(name)
		d.mu.Lock()
		if d.failure != nil {
			d.mu.Unlock()
			continue
		}

		removed := d.ready.removeIf(func(m *entity.Message) bool { return m.Expired(now) })
		for _, msg := range removed {
			if s.journal != nil {
				if err := s.journal.Delete(ctx, msg.ID); err != nil {
					errs = append(errs, s.fail(d, err))
					break
				}
			}
		}
		if len(removed) > 0 {
			d.stats.expired += uint64(len(removed))
			d.signalSpace()
			s.metrics.Expired(d.name, len(removed), d.depth())
			total += len(removed)
		}
		d.mu.Unlock()
	}

	if len(errs) > 0 {
		return total, errs[0]
	}
	return total, nil
}

// Restore loads journalled messages back into their destinations. Counters
// are left alone: restored messages were counted when first accepted.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}

	msgs, err := s.journal.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load journal: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Destination != msgs[j].Destination {
			return msgs[i].Destination < msgs[j].Destination
		}
		return msgs[i].Sequence < msgs[j].Sequence
	})

	for _, msg := range msgs {
		if msg.Destination == "" || msg.ID == "" {
			s.logger.Warn("Skipping malformed journal record", logger.String("message_id", msg.ID))
			continue
		}
		d := s.destination(msg.Destination)
		d.mu.Lock()
		d.push(msg, false)
		if msg.Sequence > d.sequence {
			d.sequence = msg.Sequence
		}
		s.metrics.SetDepth(d.name, d.depth())
		d.mu.Unlock()
	}

	s.logger.Info("Journal restored", logger.Int("messages", len(msgs)))
	return len(msgs), nil
}

// Clear drops every ready and in-flight message without touching the journal
// or the counters. Used when a non-persistent broker stops.
func (s *Store) Clear() {
	for _, name := range s.Destinations() {
		d := s.lookup(name)
		d.mu.Lock()
		d.ready = nil
		d.inflight = make(map[string]*entity.Message)
		d.signalSpace()
		s.metrics.SetDepth(d.name, 0)
		d.mu.Unlock()
	}
}
