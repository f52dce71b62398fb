// Package client connects producers and consumers to a broker over its
// framed gRPC protocol. One Connection multiplexes any number of sessions.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

var (
	// ErrConnectionClosed is returned once Close has been called.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionLost is returned for requests cut off by a dropped connection.
	ErrConnectionLost = errors.New("connection lost")
)

// Target turns a broker URI (grpc://host:port or mtq://host:port) into a dial target.
func Target(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: invalid broker uri %q: %v", qerr.ErrInvalidArgument, uri, err)
	}
	if u.Scheme != "grpc" && u.Scheme != "mtq" {
		return "", fmt.Errorf("%w: unsupported scheme %q", qerr.ErrInvalidArgument, u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("%w: broker uri %q needs host and port", qerr.ErrInvalidArgument, uri)
	}
	return net.JoinHostPort(u.Hostname(), u.Port()), nil
}

type result struct {
	frame *wire.Frame
	err   error
}

type call struct {
	link *link
	ch   chan result
}

// link is one live stream to the broker.
type link struct {
	cc     *grpc.ClientConn
	stream wire.ClientStream
	cancel context.CancelFunc
	opened *wire.Opened
	sendMu sync.Mutex
}

func (l *link) send(f *wire.Frame) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.stream.Send(f)
}

func (l *link) close() {
	l.cancel()
	_ = l.cc.Close()
}

type attachment struct {
	role        wire.Role
	destination string
}

// Connection is a client connection to one broker.
type Connection struct {
	target string
	opts   Options
	logger *logger.Logger

	seq         atomic.Uint64
	nextSession atomic.Uint32

	mu       sync.Mutex
	link     *link
	ready    chan struct{}
	pending  map[uint64]*call
	sessions map[uint32]attachment
	closing  bool
	closed   bool
	lostErr  error

	done chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to the broker at uri and completes the open handshake.
func Dial(ctx context.Context, uri string, opts Options) (*Connection, error) {
	target, err := Target(uri)
	if err != nil {
		return nil, err
	}
	opts.withDefaults()

	c := &Connection{
		target:   target,
		opts:     opts,
		logger:   opts.Logger.Named("client"),
		ready:    make(chan struct{}),
		pending:  make(map[uint64]*call),
		sessions: make(map[uint32]attachment),
		done:     make(chan struct{}),
	}

	l, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.install(l)
	return c, nil
}

func (c *Connection) connect(ctx context.Context) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	cc, err := grpc.NewClient(c.target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.opts.MaxMsgSize),
			grpc.MaxCallSendMsgSize(c.opts.MaxMsgSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	// The stream outlives the dial; only the dial timeout may cancel it early.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(dialCtx, streamCancel)

	stream, err := wire.OpenStream(streamCtx, cc)
	if err != nil {
		streamCancel()
		_ = cc.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	l := &link{cc: cc, stream: stream, cancel: streamCancel}

	opened, err := c.handshake(dialCtx, l)
	if err == nil && !stop() {
		err = fmt.Errorf("handshake: %w", dialCtx.Err())
	}
	if err != nil {
		l.close()
		return nil, err
	}
	l.opened = opened
	return l, nil
}

func (c *Connection) handshake(ctx context.Context, l *link) (*wire.Opened, error) {
	seq := c.seq.Add(1)
	err := l.send(&wire.Frame{
		Type: wire.FrameOpen,
		Seq:  seq,
		Open: &wire.Open{
			Versions:     wire.SupportedVersions,
			Capabilities: wire.ServerCapabilities,
			ClientID:     c.opts.ClientID,
			Username:     c.opts.Username,
			Password:     c.opts.Password,
			Token:        c.opts.Token,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send open: %w", err)
	}

	type reply struct {
		f   *wire.Frame
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		f, err := l.stream.Recv()
		ch <- reply{f, err}
	}()

	select {
	case <-ctx.Done():
		l.cancel()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("handshake: %w", r.err)
		}
		switch {
		case r.f.Type == wire.FrameError && r.f.Error != nil:
			return nil, r.f.Error.Err()
		case r.f.Type == wire.FrameOpened && r.f.Opened != nil:
			return r.f.Opened, nil
		default:
			return nil, fmt.Errorf("%w: expected opened, got %s", qerr.ErrProtocol, r.f.Type)
		}
	}
}

// install makes l the live link and starts reading from it. It reports
// false when the connection is already closing.
func (c *Connection) install(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.closing {
		return false
	}
	c.link = l
	close(c.ready)

	c.wg.Add(1)
	go c.readLoop(l)
	return true
}

func (c *Connection) readLoop(l *link) {
	defer c.wg.Done()
	for {
		f, err := l.stream.Recv()
		if err != nil {
			c.lost(l, err)
			return
		}
		c.route(l, f)
	}
}

func (c *Connection) route(l *link, f *wire.Frame) {
	c.mu.Lock()
	pc, ok := c.pending[f.Seq]
	if ok && f.Seq != 0 {
		delete(c.pending, f.Seq)
	}
	c.mu.Unlock()

	if ok && f.Seq != 0 {
		pc.ch <- result{frame: f}
		return
	}

	switch f.Type {
	case wire.FrameDeliver:
		// Nobody waits for it any more; hand it straight back.
		if f.Message != nil {
			_ = l.send(&wire.Frame{
				Type:    wire.FrameRelease,
				Session: f.Session,
				Seq:     c.seq.Add(1),
				Settle:  &wire.Settle{DeliveryID: f.Message.ID},
			})
		}
	case wire.FrameError:
		c.logger.Warn("Broker reported an error",
			logger.Uint32("session", f.Session),
			logger.Error(f.Error.Err()),
		)
	}
}

// lost fails every request on l and, if enabled, starts reconnecting.
func (c *Connection) lost(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.ready = make(chan struct{})
	for seq, pc := range c.pending {
		if pc.link == l {
			delete(c.pending, seq)
			pc.ch <- result{err: fmt.Errorf("%w: %v", ErrConnectionLost, cause)}
		}
	}
	closed := c.closed || c.closing
	reconnect := c.opts.Reconnect && !closed
	if !reconnect && !closed {
		c.lostErr = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		close(c.done)
	}
	c.mu.Unlock()

	l.close()
	if closed {
		return
	}

	c.logger.Warn("Connection to broker lost", logger.String("target", c.target), logger.Error(cause))
	if reconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	backoff := c.opts.ReconnectBackoff
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		l, err := c.connect(context.Background())
		if err == nil {
			err = c.reattach(l)
			if err != nil {
				l.close()
			}
		}
		if err != nil {
			c.logger.Debug("Reconnect failed", logger.Error(err), logger.Duration("backoff", backoff))
			backoff = min(backoff*2, c.opts.MaxReconnectBackoff)
			continue
		}

		if !c.install(l) {
			l.close()
			return
		}
		c.logger.Info("Reconnected to broker", logger.String("connection_id", l.opened.ConnectionID))
		return
	}
}

// reattach re-opens every session on a fresh link before it is installed.
func (c *Connection) reattach(l *link) error {
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sessions := make(map[uint32]attachment, len(c.sessions))
	for id, a := range c.sessions {
		sessions[id] = a
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		a := sessions[id]
		err := l.send(&wire.Frame{
			Type:    wire.FrameAttach,
			Session: id,
			Seq:     c.seq.Add(1),
			Attach:  &wire.Attach{Role: a.role, Destination: a.destination},
		})
		if err != nil {
			return err
		}
		f, err := l.stream.Recv()
		if err != nil {
			return err
		}
		if f.Type == wire.FrameError && f.Error != nil {
			return fmt.Errorf("re-attach session %d: %w", id, f.Error.Err())
		}
		if f.Type != wire.FrameAttached {
			return fmt.Errorf("%w: expected attached, got %s", qerr.ErrProtocol, f.Type)
		}
	}
	return nil
}

// currentLink waits, bounded by ctx, for a live link.
func (c *Connection) currentLink(ctx context.Context) (*link, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		if c.lostErr != nil {
			err := c.lostErr
			c.mu.Unlock()
			return nil, err
		}
		l, ready := c.link, c.ready
		c.mu.Unlock()
		if l != nil {
			return l, nil
		}

		select {
		case <-ready:
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// roundTrip sends f and waits for the reply correlated by its seq. An error
// frame is returned as the error it carries.
func (c *Connection) roundTrip(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	l, err := c.currentLink(ctx)
	if err != nil {
		return nil, err
	}

	f.Seq = c.seq.Add(1)
	pc := &call{link: l, ch: make(chan result, 1)}
	c.mu.Lock()
	c.pending[f.Seq] = pc
	c.mu.Unlock()

	if err := l.send(f); err != nil {
		c.forget(f.Seq)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case r := <-pc.ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.frame.Type == wire.FrameError && r.frame.Error != nil {
			return nil, r.frame.Error.Err()
		}
		return r.frame, nil
	case <-ctx.Done():
		c.forget(f.Seq)
		return nil, ctx.Err()
	}
}

// do runs roundTrip, retrying requests cut off by a lost connection once
// the connection is re-established.
func (c *Connection) do(ctx context.Context, build func() *wire.Frame) (*wire.Frame, error) {
	for {
		f, err := c.roundTrip(ctx, build())
		if err != nil && errors.Is(err, ErrConnectionLost) && c.opts.Reconnect {
			continue
		}
		return f, err
	}
}

func (c *Connection) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Connection) attach(ctx context.Context, role wire.Role, destination string) (uint32, error) {
	if destination == "" {
		return 0, fmt.Errorf("%w: destination cannot be empty", qerr.ErrInvalidArgument)
	}
	id := c.nextSession.Add(1)
	_, err := c.do(ctx, func() *wire.Frame {
		return &wire.Frame{
			Type:    wire.FrameAttach,
			Session: id,
			Attach:  &wire.Attach{Role: role, Destination: destination},
		}
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.sessions[id] = attachment{role: role, destination: destination}
	c.mu.Unlock()
	return id, nil
}

func (c *Connection) detach(ctx context.Context, id uint32) error {
	c.mu.Lock()
	_, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := c.roundTrip(ctx, &wire.Frame{Type: wire.FrameDetach, Session: id})
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrConnectionClosed) {
		// The broker drops the session with the connection.
		return nil
	}
	return err
}

// BrokerName returns the name the broker announced.
func (c *Connection) BrokerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.opened.BrokerName
}

// ConnectionID returns the id the broker assigned to the current link.
func (c *Connection) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.opened.ConnectionID
}

// Done is closed when the connection is closed or lost for good.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close detaches every session, closes the connection and waits for its
// goroutines. Close is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	l := c.link
	c.mu.Unlock()

	var err error
	if l != nil {
		_, err = c.roundTrip(ctx, &wire.Frame{Type: wire.FrameClose})
		if errors.Is(err, ErrConnectionLost) {
			err = nil
		}
	}

	c.mu.Lock()
	c.closed = true
	l = c.link
	c.link = nil
	for seq, pc := range c.pending {
		delete(c.pending, seq)
		pc.ch <- result{err: ErrConnectionClosed}
	}
	if c.lostErr == nil {
		close(c.done)
	}
	c.mu.Unlock()

	if l != nil {
		_ = l.stream.CloseSend()
		l.close()
	}
	c.wg.Wait()
	return err
}
