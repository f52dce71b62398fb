package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/moroshma/MiniToolQueue/internal/auth"
	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	"github.com/moroshma/MiniToolQueue/internal/usecase"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/metrics"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxSessions      = 256
	producerQueueSize       = 64
)

var errHandshakeTimeout = errors.New("handshake timed out")

// Config represents connection handler configuration
type Config struct {
	BrokerName       string
	HandshakeTimeout time.Duration
	// MaxSessions caps the sessions one connection may have attached.
	MaxSessions int
}

// Handler implements wire.BrokerServer: one Connect stream is one client
// connection carrying any number of producer and consumer sessions.
type Handler struct {
	publishUC *usecase.PublishUseCase
	consumeUC *usecase.ConsumeUseCase
	auth      *auth.Authenticator
	cfg       Config
	metrics   *metrics.Metrics
	logger    *logger.Logger

	mu       sync.Mutex
	conns    map[*connection]struct{}
	shutdown bool
}

// NewHandler creates a new connection handler
func NewHandler(
	publishUC *usecase.PublishUseCase,
	consumeUC *usecase.ConsumeUseCase,
	authenticator *auth.Authenticator,
	cfg Config,
	m *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		publishUC: publishUC,
		consumeUC: consumeUC,
		auth:      authenticator,
		cfg:       cfg,
		metrics:   m,
		logger:    log,
		conns:     make(map[*connection]struct{}),
	}
}

// Connections returns the number of live connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll ends every connection and refuses new ones. Sessions are closed
// and their unsettled messages go back to the store.
func (h *Handler) CloseAll() {
	h.closeConnections(true)
}

// Disconnect ends every current connection. Clients may connect again.
func (h *Handler) Disconnect() int {
	return h.closeConnections(false)
}

func (h *Handler) closeConnections(shutdown bool) int {
	h.mu.Lock()
	if shutdown {
		h.shutdown = true
	}
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
	return len(conns)
}

func (h *Handler) register(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Connect serves one client connection until it closes, fails or the
// handler shuts down.
func (h *Handler) Connect(stream wire.FrameStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	c := &connection{
		id:       uuid.NewString(),
		h:        h,
		stream:   stream,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint32]*session),
		frames:   make(chan *wire.Frame),
		recvErr:  make(chan error, 1),
	}
	if !h.register(c) {
		return status.Error(codes.Unavailable, "broker is stopping")
	}
	defer h.unregister(c)

	go c.readLoop()
	defer c.teardown()

	if err := c.handshake(); err != nil {
		h.metrics.ConnectionOpened(err)
		h.logger.Warn("Handshake failed",
			logger.String("connection_id", c.id),
			logger.Error(err),
		)
		return handshakeStatus(err)
	}
	h.metrics.ConnectionOpened(nil)

	return c.serve()
}

func handshakeStatus(err error) error {
	switch {
	case errors.Is(err, qerr.ErrAuth):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, qerr.ErrProtocol):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errHandshakeTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Unavailable, "broker is stopping")
	case errors.Is(err, io.EOF):
		return status.Error(codes.Aborted, "connection closed during handshake")
	default:
		return err
	}
}

type connection struct {
	id     string
	h      *Handler
	stream wire.FrameStream
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	principal *auth.Principal

	sendMu sync.Mutex

	mu       sync.Mutex
	sessions map[uint32]*session
	wg       sync.WaitGroup

	frames  chan *wire.Frame
	recvErr chan error

	teardownOnce sync.Once
}

func (c *connection) State() State {
	return State(c.state.Load())
}

func (c *connection) setState(s State) {
	c.state.Store(int32(s))
	c.h.logger.Debug("Connection state changed",
		logger.String("connection_id", c.id),
		logger.String("state", s.String()),
	)
}

func (c *connection) readLoop() {
	for {
		f, err := c.stream.Recv()
		if err != nil {
			c.recvErr <- err
			return
		}
		select {
		case c.frames <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

// next returns the next frame from the client. io.EOF means the client
// closed its side.
func (c *connection) next(deadline <-chan time.Time) (*wire.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.recvErr:
		return nil, err
	case <-deadline:
		return nil, errHandshakeTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *connection) send(f *wire.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(f)
}

func (c *connection) sendError(session uint32, seq uint64, err error) {
	if sendErr := c.send(wire.ErrorFrame(session, seq, err)); sendErr != nil {
		c.h.logger.Debug("Failed to send error frame",
			logger.String("connection_id", c.id),
			logger.Error(sendErr),
		)
	}
}

func (c *connection) handshake() error {
	timer := time.NewTimer(c.h.cfg.HandshakeTimeout)
	defer timer.Stop()

	f, err := c.next(timer.C)
	if err != nil {
		return err
	}
	if f == nil || f.Type != wire.FrameOpen || f.Open == nil {
		err := fmt.Errorf("%w: first frame must be open", qerr.ErrProtocol)
		c.sendError(0, 0, err)
		return err
	}

	version, ok := wire.NegotiateVersion(f.Open.Versions, wire.SupportedVersions)
	if !ok {
		err := fmt.Errorf("%w: no common protocol version in %v, broker speaks %v",
			qerr.ErrProtocol, f.Open.Versions, wire.SupportedVersions)
		c.sendError(0, f.Seq, err)
		return err
	}

	principal, err := c.h.auth.Authenticate(auth.Credentials{
		Username: f.Open.Username,
		Password: f.Open.Password,
		Token:    f.Open.Token,
	})
	if err != nil {
		c.sendError(0, f.Seq, err)
		return err
	}
	c.principal = principal
	c.setState(StateAuthenticated)

	err = c.send(&wire.Frame{
		Type: wire.FrameOpened,
		Seq:  f.Seq,
		Opened: &wire.Opened{
			Version:      version,
			Capabilities: wire.IntersectCapabilities(wire.ServerCapabilities, f.Open.Capabilities),
			ConnectionID: c.id,
			BrokerName:   c.h.cfg.BrokerName,
		},
	})
	if err != nil {
		return err
	}
	c.setState(StateOpen)

	c.h.logger.Info("Connection opened",
		logger.String("connection_id", c.id),
		logger.String("client_id", principal.ClientID),
		logger.Int("version", int(version)),
	)
	return nil
}

func (c *connection) serve() error {
	for {
		f, err := c.next(nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, context.Canceled) && c.h.isShutdown() {
				return status.Error(codes.Unavailable, "broker is stopping")
			}
			return err
		}

		if err := f.Validate(); err != nil {
			c.sendError(f.Session, f.Seq, err)
			return status.Error(codes.InvalidArgument, err.Error())
		}

		switch f.Type {
		case wire.FrameAttach:
			err = c.attach(f)
		case wire.FrameSend:
			err = c.enqueueSend(f)
		case wire.FrameFlow:
			err = c.flow(f)
		case wire.FrameAck, wire.FrameRelease:
			err = c.settle(f)
		case wire.FrameDetach:
			err = c.detach(f)
		case wire.FrameClose:
			c.teardown()
			if err := c.send(&wire.Frame{Type: wire.FrameClosed, Seq: f.Seq}); err != nil {
				c.h.logger.Debug("Failed to send closed frame", logger.Error(err))
			}
			return nil
		default:
			err = fmt.Errorf("%w: unexpected %s frame on an open connection", qerr.ErrProtocol, f.Type)
		}

		if err != nil {
			c.sendError(f.Session, f.Seq, err)
			if errors.Is(err, qerr.ErrProtocol) {
				return status.Error(codes.InvalidArgument, err.Error())
			}
		}
	}
}

func (h *Handler) isShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}

func (c *connection) lookup(id uint32, role wire.Role) (*session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %d is not attached", qerr.ErrInvalidArgument, id)
	}
	if s.role != role {
		return nil, fmt.Errorf("%w: session %d is a %s session", qerr.ErrInvalidArgument, id, s.role)
	}
	return s, nil
}

func (c *connection) attach(f *wire.Frame) error {
	if f.Session == 0 {
		return fmt.Errorf("%w: session 0 is reserved", qerr.ErrProtocol)
	}
	if f.Attach.Destination == "" {
		return fmt.Errorf("%w: attach without destination", qerr.ErrInvalidArgument)
	}

	c.mu.Lock()
	_, taken := c.sessions[f.Session]
	count := len(c.sessions)
	c.mu.Unlock()
	if taken {
		return fmt.Errorf("%w: session %d is already attached", qerr.ErrProtocol, f.Session)
	}
	if count >= c.h.cfg.MaxSessions {
		return fmt.Errorf("%w: connection already has %d sessions", qerr.ErrInvalidArgument, count)
	}

	s := &session{
		id:          f.Session,
		role:        f.Attach.Role,
		destination: f.Attach.Destination,
	}

	switch s.role {
	case wire.RoleProducer:
		if err := c.principal.CanPublish(s.destination); err != nil {
			return err
		}
		s.sends = make(chan *wire.Frame, producerQueueSize)
		s.done = make(chan struct{})
		c.wg.Add(1)
		go c.produce(s)
	case wire.RoleConsumer:
		ds, err := c.h.consumeUC.Open(c.principal, s.destination)
		if err != nil {
			return err
		}
		s.consumer = ds
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	c.h.metrics.SessionAttached(string(s.role))

	c.h.logger.Debug("Session attached",
		logger.String("connection_id", c.id),
		logger.Uint32("session", s.id),
		logger.String("role", string(s.role)),
		logger.String("destination", s.destination),
	)
	return c.send(&wire.Frame{Type: wire.FrameAttached, Session: s.id, Seq: f.Seq})
}

// produce publishes a producer session's sends in the order they arrived.
func (c *connection) produce(s *session) {
	defer c.wg.Done()
	defer close(s.done)

	for f := range s.sends {
		resp, err := c.h.publishUC.Publish(c.ctx, c.principal, publishRequest(s.destination, f.Message))
		if err != nil {
			if c.ctx.Err() != nil {
				continue
			}
			c.sendError(s.id, f.Seq, err)
			continue
		}
		err = c.send(&wire.Frame{
			Type:    wire.FrameAccepted,
			Session: s.id,
			Seq:     f.Seq,
			Accepted: &wire.Accepted{
				MessageID:    resp.MessageID,
				Sequence:     resp.Sequence,
				EnqueueCount: resp.EnqueueCount,
			},
		})
		if err != nil {
			c.h.logger.Debug("Failed to send accepted frame", logger.Error(err))
		}
	}
}

func (c *connection) enqueueSend(f *wire.Frame) error {
	s, err := c.lookup(f.Session, wire.RoleProducer)
	if err != nil {
		return err
	}
	select {
	case s.sends <- f:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *connection) flow(f *wire.Frame) error {
	s, err := c.lookup(f.Session, wire.RoleConsumer)
	if err != nil {
		return err
	}
	timeout := time.Duration(f.Flow.TimeoutMillis) * time.Millisecond

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		msg, err := s.consumer.Receive(c.ctx, timeout)
		if err != nil {
			if c.ctx.Err() == nil {
				c.sendError(s.id, f.Seq, err)
			}
			return
		}
		if err := c.send(&wire.Frame{Type: wire.FrameDeliver, Session: s.id, Seq: f.Seq, Message: toWire(msg)}); err != nil {
			c.h.logger.Debug("Failed to send deliver frame",
				logger.String("message_id", msg.ID),
				logger.Error(err),
			)
		}
	}()
	return nil
}

func (c *connection) settle(f *wire.Frame) error {
	s, err := c.lookup(f.Session, wire.RoleConsumer)
	if err != nil {
		return err
	}

	if f.Type == wire.FrameAck {
		err = s.consumer.Ack(c.ctx, f.Settle.DeliveryID)
	} else {
		err = s.consumer.Release(c.ctx, f.Settle.DeliveryID)
		if errors.Is(err, qerr.ErrMaxRedeliveryExceeded) {
			c.h.logger.Info("Released message dead-lettered",
				logger.String("message_id", f.Settle.DeliveryID),
				logger.String("destination", s.destination),
			)
			err = nil
		}
	}
	if err != nil {
		return err
	}
	return c.send(&wire.Frame{Type: wire.FrameSettled, Session: s.id, Seq: f.Seq, Settle: f.Settle})
}

func (c *connection) detach(f *wire.Frame) error {
	c.mu.Lock()
	s, ok := c.sessions[f.Session]
	delete(c.sessions, f.Session)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %d is not attached", qerr.ErrInvalidArgument, f.Session)
	}

	if err := c.closeSession(s); err != nil {
		c.h.logger.Warn("Failed to close session cleanly",
			logger.Uint32("session", s.id),
			logger.Error(err),
		)
	}
	return c.send(&wire.Frame{Type: wire.FrameDetached, Session: s.id, Seq: f.Seq})
}

func (c *connection) closeSession(s *session) error {
	defer c.h.metrics.SessionDetached(string(s.role))
	if s.role == wire.RoleProducer {
		close(s.sends)
		<-s.done
		return nil
	}
	return s.consumer.Close(context.Background())
}

// teardown moves the connection through Closing to Closed. Every session is
// closed; in-flight deliveries return to their destinations.
func (c *connection) teardown() {
	c.teardownOnce.Do(func() {
		if c.State() == StateOpen {
			defer c.h.metrics.ConnectionClosed()
		}
		c.setState(StateClosing)

		c.mu.Lock()
		sessions := make([]*session, 0, len(c.sessions))
		for id, s := range c.sessions {
			sessions = append(sessions, s)
			delete(c.sessions, id)
		}
		c.mu.Unlock()

		// Producers finish their queued sends before the context goes.
		for _, s := range sessions {
			if s.role == wire.RoleProducer {
				_ = c.closeSession(s)
			}
		}
		c.cancel()
		for _, s := range sessions {
			if s.role != wire.RoleConsumer {
				continue
			}
			if err := c.closeSession(s); err != nil {
				c.h.logger.Warn("Failed to return in-flight messages",
					logger.String("connection_id", c.id),
					logger.Uint32("session", s.id),
					logger.Error(err),
				)
			}
		}
		c.wg.Wait()
		c.setState(StateClosed)

		c.h.logger.Info("Connection closed",
			logger.String("connection_id", c.id),
			logger.Int("sessions", len(sessions)),
		)
	})
}

type session struct {
	id          uint32
	role        wire.Role
	destination string

	consumer *dispatch.Session

	sends chan *wire.Frame
	done  chan struct{}
}
