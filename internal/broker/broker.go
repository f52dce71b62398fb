// Package broker assembles the Queue Store, Delivery Engine, connectors and
// management surface into one broker instance with a start/stop lifecycle.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/moroshma/MiniToolQueue/internal/auth"
	"github.com/moroshma/MiniToolQueue/internal/connector"
	grpcHandler "github.com/moroshma/MiniToolQueue/internal/delivery/grpc"
	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/domain/repository"
	"github.com/moroshma/MiniToolQueue/internal/management"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
	"github.com/moroshma/MiniToolQueue/internal/service/ttl"
	"github.com/moroshma/MiniToolQueue/internal/store"
	"github.com/moroshma/MiniToolQueue/internal/usecase"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
	"github.com/moroshma/MiniToolQueue/pkg/metrics"
)

// DefaultDrainTimeout bounds how long Stop waits for in-flight messages.
const DefaultDrainTimeout = 5 * time.Second

// Status is the lifecycle state of a broker.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarted  Status = "started"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Options configure a broker.
type Options struct {
	Name       string
	Connectors []string

	// Journal makes the broker persistent. Nil keeps messages in memory and
	// Stop discards whatever is left.
	Journal repository.MessageJournal

	Store    store.Config
	Dispatch dispatch.Config
	Auth     auth.Config
	TTL      usecase.TTLPolicy
	Sweep    ttl.Config

	HandshakeTimeout time.Duration
	MaxSessions      int
	MaxMsgSize       int
	DrainTimeout     time.Duration

	// ManagementAddr enables the management HTTP server when set.
	ManagementAddr string

	DeadLetterSinks []deadletter.Sink
	ForwardTimeout  time.Duration

	// Registry receives the broker's metrics. Nil creates a private registry.
	Registry *prometheus.Registry
	Logger   *logger.Logger
}

// Option adjusts Options.
type Option func(*Options)

// Broker is one message broker instance.
type Broker struct {
	opts     Options
	logger   *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store      *store.Store
	engine     *dispatch.Engine
	publishUC  *usecase.PublishUseCase
	handler    *grpcHandler.Handler
	sweeper    *ttl.Service
	forwarder  *deadletter.Service
	management *management.Service
	mgmtServer *management.Server

	mu         sync.Mutex
	status     Status
	connectors []*connector.Connector
	cancel     context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

var _ management.Inspector = (*Broker)(nil)

// New creates a broker. Nothing listens until Start.
func New(opts Options) (*Broker, error) {
	if opts.Name == "" {
		opts.Name = "localhost"
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("broker").WithField("broker", opts.Name)

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	authenticator, err := auth.New(opts.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to configure authentication: %w", err)
	}

	st := store.New(opts.Store, opts.Journal, m, log.Named("store"))
	engine := dispatch.New(st, opts.Dispatch, m, log.Named("dispatch"))

	b := &Broker{
		opts:     opts,
		logger:   log,
		registry: registry,
		metrics:  m,
		store:    st,
		engine:   engine,
		status:   StatusCreated,
	}

	if len(opts.DeadLetterSinks) > 0 {
		b.forwarder = deadletter.NewService(opts.DeadLetterSinks, opts.ForwardTimeout, m, log.Named("dead_letter"))
		engine.AddObserver(b.forwarder)
	}

	b.publishUC = usecase.NewPublishUseCase(engine, opts.TTL, log.Named("publish"))
	consumeUC := usecase.NewConsumeUseCase(engine, log.Named("consume"))
	b.handler = grpcHandler.NewHandler(b.publishUC, consumeUC, authenticator, grpcHandler.Config{
		BrokerName:       opts.Name,
		HandshakeTimeout: opts.HandshakeTimeout,
		MaxSessions:      opts.MaxSessions,
	}, m, log.Named("connection"))

	b.sweeper = ttl.NewService(st, opts.Sweep, log.Named("ttl"))
	b.management = management.NewService(b)
	if opts.ManagementAddr != "" {
		b.mgmtServer = management.NewServer(opts.ManagementAddr, b.management, registry, log.Named("management"))
	}

	for _, uri := range opts.Connectors {
		if err := b.AddConnector(uri); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// AddConnector adds a transport connector listening on uri. A connector
// added to a started broker starts listening immediately.
func (b *Broker) AddConnector(uri string) error {
	c, err := connector.New(uri, b.handler, connector.Options{MaxMsgSize: b.opts.MaxMsgSize}, b.logger.Named("connector"))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusStopping, StatusStopped:
		return qerr.ErrBrokerStopped
	case StatusStarted:
		if err := c.Start(); err != nil {
			return err
		}
	}
	b.connectors = append(b.connectors, c)
	return nil
}

// Start restores journalled messages, opens every connector and starts the
// background services. It returns once the connectors are listening. A
// failed Start leaves the broker stopped: the journal is restored at most
// once, so the broker cannot be started again.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusStarted:
		return nil
	case StatusStopping, StatusStopped:
		return qerr.ErrBrokerStopped
	}

	if b.store.Persistent() {
		restored, err := b.store.Restore(ctx)
		if err != nil {
			return b.abortStart(ctx, false, fmt.Errorf("failed to restore journal: %w", err))
		}
		b.logger.Info("Journal restored", logger.Int("messages", restored))
	}

	g := new(errgroup.Group)
	for _, c := range b.connectors {
		g.Go(c.Start)
	}
	if err := g.Wait(); err != nil {
		return b.abortStart(ctx, false, err)
	}

	if b.mgmtServer != nil {
		errCh, err := b.mgmtServer.Start()
		if err != nil {
			return b.abortStart(ctx, false, fmt.Errorf("failed to start management server: %w", err))
		}
		go func() {
			if err, ok := <-errCh; ok && err != nil {
				b.logger.Error("Management server failed", logger.Error(err))
			}
		}()
	}

	bg, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	if err := b.sweeper.Start(bg); err != nil {
		cancel()
		return b.abortStart(ctx, b.mgmtServer != nil, err)
	}

	b.status = StatusStarted
	b.logger.Info("Broker started",
		logger.Strings("connectors", b.connectorURIs()),
		logger.Bool("persistent", b.store.Persistent()),
	)
	return nil
}

// abortStart undoes a partial Start and marks the broker stopped. Called
// with b.mu held.
func (b *Broker) abortStart(ctx context.Context, mgmtStarted bool, cause error) error {
	for _, c := range b.connectors {
		_ = c.Stop(ctx)
	}
	if err := b.engine.Stop(ctx, false); err != nil {
		b.logger.Warn("Failed to stop delivery engine", logger.Error(err))
	}
	if mgmtStarted {
		if err := b.mgmtServer.Shutdown(ctx); err != nil {
			b.logger.Warn("Failed to stop management server", logger.Error(err))
		}
	}
	b.status = StatusStopped
	b.logger.Error("Broker failed to start", logger.Error(cause))
	return cause
}

// Stop shuts the broker down. Publishing and receiving stop at once;
// in-flight messages get a bounded drain period to be acknowledged before
// every session is closed and the rest go back to their destinations. A
// non-persistent broker then discards its messages. Stop is idempotent and
// a stopped broker cannot be started again.
func (b *Broker) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop(ctx)
	})
	return b.stopErr
}

func (b *Broker) stop(ctx context.Context) error {
	b.mu.Lock()
	wasStarted := b.status == StatusStarted
	b.status = StatusStopping
	connectors := append([]*connector.Connector(nil), b.connectors...)
	cancel := b.cancel
	b.mu.Unlock()

	b.logger.Info("Stopping broker")
	var errs []error

	b.sweeper.Stop()
	if cancel != nil {
		cancel()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, b.opts.DrainTimeout)
	if err := b.engine.Stop(drainCtx, wasStarted); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop delivery engine: %w", err))
	}
	drainCancel()

	b.handler.CloseAll()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range connectors {
		g.Go(func() error { return c.Stop(gctx) })
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop connectors: %w", err))
	}

	if b.mgmtServer != nil && wasStarted {
		if err := b.mgmtServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop management server: %w", err))
		}
	}

	if b.forwarder != nil {
		if err := b.forwarder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close dead-letter sinks: %w", err))
		}
	}

	if !b.store.Persistent() {
		b.store.Clear()
	}

	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		b.logger.Error("Broker stopped with errors", logger.Error(err))
	} else {
		b.logger.Info("Broker stopped")
	}
	return err
}

// BrokerName returns the broker's name.
func (b *Broker) BrokerName() string {
	return b.opts.Name
}

// Status returns the lifecycle state.
func (b *Broker) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.status)
}

// DrainTimeout returns how long Stop waits for in-flight messages.
func (b *Broker) DrainTimeout() time.Duration {
	return b.opts.DrainTimeout
}

// Persistent reports whether the broker journals its messages.
func (b *Broker) Persistent() bool {
	return b.store.Persistent()
}

// ConnectorURIs returns the connectors' URIs; a started connector reports
// its bound port.
func (b *Broker) ConnectorURIs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectorURIs()
}

func (b *Broker) connectorURIs() []string {
	uris := make([]string, 0, len(b.connectors))
	for _, c := range b.connectors {
		uris = append(uris, c.URI())
	}
	return uris
}

// Connections returns the number of open client connections.
func (b *Broker) Connections() int {
	return b.handler.Connections()
}

// DisconnectClients drops every client connection without stopping the
// connectors. Unsettled deliveries go back to their destinations.
func (b *Broker) DisconnectClients() int {
	n := b.handler.Disconnect()
	b.logger.Info("Client connections dropped", logger.Int("connections", n))
	return n
}

// Sessions returns the number of open consumer sessions.
func (b *Broker) Sessions() int {
	return b.engine.Sessions()
}

// InFlight returns the number of delivered, unsettled messages.
func (b *Broker) InFlight() int {
	return b.engine.InFlight()
}

// Queues returns every destination name.
func (b *Broker) Queues() []string {
	return b.store.Destinations()
}

// QueueStats returns the statistics of queue name.
func (b *Broker) QueueStats(name string) (entity.QueueStats, error) {
	return b.store.Stats(name)
}

// Management returns the typed management API of this broker.
func (b *Broker) Management() *management.Service {
	return b.management
}

// ManagementAddr returns the management server's bound address, or "" when disabled.
func (b *Broker) ManagementAddr() string {
	if b.mgmtServer == nil || b.mgmtServer.Addr() == nil {
		return ""
	}
	return b.mgmtServer.Addr().String()
}

// Engine returns the Delivery Engine for in-process producers and consumers.
func (b *Broker) Engine() *dispatch.Engine {
	return b.engine
}

// Publish publishes in process, bypassing connectors and authentication.
func (b *Broker) Publish(ctx context.Context, req *usecase.PublishRequest) (*usecase.PublishResponse, error) {
	return b.publishUC.Publish(ctx, nil, req)
}

// Registry returns the registry holding the broker's metrics.
func (b *Broker) Registry() *prometheus.Registry {
	return b.registry
}
