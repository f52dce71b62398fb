// Package connector exposes the broker on a network address. Each connector
// owns one listener and one gRPC server speaking the framed protocol.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

// DefaultMaxMsgSize bounds a single frame.
const DefaultMaxMsgSize = 64 * 1024 * 1024

// Options tune the gRPC server behind a connector.
type Options struct {
	MaxMsgSize int
}

// Connector is a listening transport endpoint.
type Connector struct {
	uri     URI
	handler wire.BrokerServer
	opts    Options
	logger  *logger.Logger

	mu       sync.Mutex
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	started  bool
	stopped  bool
	done     chan struct{}
	serveErr error
}

// New creates a connector for uri. Nothing listens until Start.
func New(uri string, handler wire.BrokerServer, opts Options, log *logger.Logger) (*Connector, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if opts.MaxMsgSize <= 0 {
		opts.MaxMsgSize = DefaultMaxMsgSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Connector{
		uri:     parsed,
		handler: handler,
		opts:    opts,
		logger:  log,
		done:    make(chan struct{}),
	}, nil
}

// Start binds the listener and serves in the background.
func (c *Connector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.New("connector is stopped")
	}
	if c.started {
		return nil
	}

	lis, err := net.Listen("tcp", c.uri.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.uri, err)
	}

	c.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(c.opts.MaxMsgSize),
		grpc.MaxSendMsgSize(c.opts.MaxMsgSize),
	)
	wire.RegisterBrokerServer(c.server, c.handler)

	c.health = health.NewServer()
	c.health.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(c.server, c.health)

	c.listener = lis
	c.started = true
	uri := c.uriFor(lis.Addr())

	go func() {
		defer close(c.done)
		if err := c.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.logger.Error("Connector stopped serving", logger.String("uri", uri), logger.Error(err))
			c.mu.Lock()
			c.serveErr = err
			c.mu.Unlock()
		}
	}()

	c.logger.Info("Connector listening", logger.String("uri", uri))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (c *Connector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// URI returns the connector's URI with the bound port once started.
func (c *Connector) URI() string {
	return c.uriFor(c.Addr())
}

func (c *Connector) uriFor(bound net.Addr) string {
	u := c.uri
	if addr, ok := bound.(*net.TCPAddr); ok {
		u.Port = addr.Port
		if u.Host == "" || u.Host == "0.0.0.0" || u.Host == "::" {
			u.Host = "127.0.0.1"
		}
	}
	return u.String()
}

// Stop stops accepting connections and waits, bounded by ctx, for live
// streams to finish before forcing them closed. Stop is idempotent.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	server, hs := c.server, c.health
	c.mu.Unlock()

	hs.Shutdown()

	graceful := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(graceful)
	}()

	select {
	case <-graceful:
	case <-ctx.Done():
		c.logger.Warn("Graceful stop timed out, closing connections", logger.String("uri", c.URI()))
		server.Stop()
		<-graceful
	}
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serveErr
}

// Port returns the bound port, or the configured one before Start.
func (c *Connector) Port() int {
	if addr, ok := c.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return c.uri.Port
}
