// Package app builds a broker and its storage and forwarding backends from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moroshma/MiniToolQueue/internal/auth"
	"github.com/moroshma/MiniToolQueue/internal/broker"
	"github.com/moroshma/MiniToolQueue/internal/config"
	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	"github.com/moroshma/MiniToolQueue/internal/domain/repository"
	"github.com/moroshma/MiniToolQueue/internal/persistence"
	amqpSink "github.com/moroshma/MiniToolQueue/internal/repository/forward/amqp"
	kafkaSink "github.com/moroshma/MiniToolQueue/internal/repository/forward/kafka"
	natsSink "github.com/moroshma/MiniToolQueue/internal/repository/forward/nats"
	minioRepo "github.com/moroshma/MiniToolQueue/internal/repository/minio"
	tarantoolRepo "github.com/moroshma/MiniToolQueue/internal/repository/tarantool"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
	"github.com/moroshma/MiniToolQueue/internal/service/ttl"
	"github.com/moroshma/MiniToolQueue/internal/store"
	"github.com/moroshma/MiniToolQueue/internal/usecase"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// stopGrace is added to the drain timeout to bound a full shutdown.
const stopGrace = 10 * time.Second

// App is a configured broker together with the backends it owns.
type App struct {
	cfg     *config.Config
	logger  *logger.Logger
	broker  *broker.Broker
	closers []func() error
}

// BrokerOptions maps configuration onto broker options. Backends (journal,
// dead-letter sinks) are left for New to attach.
func BrokerOptions(cfg *config.Config, log *logger.Logger) broker.Options {
	users := make([]auth.User, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users = append(users, auth.User{
			Username:     u.Username,
			Password:     u.Password,
			Destinations: u.Destinations,
			Permissions:  u.Permissions,
		})
	}

	opts := broker.Options{
		Name:       cfg.Broker.Name,
		Connectors: cfg.Broker.Connectors,
		Store: store.Config{
			Capacity:         cfg.Broker.Capacity,
			Capacities:       cfg.Broker.Capacities,
			DeadLetterPrefix: cfg.Broker.DeadLetterPrefix,
		},
		Dispatch: dispatch.Config{
			MaxRedeliveries:  cfg.Broker.MaxRedeliveries,
			Requeue:          dispatch.RequeuePolicy(cfg.Broker.Requeue),
			SendTimeout:      cfg.Broker.SendTimeout,
			DispatchPoolSize: cfg.Broker.DispatchPool,
		},
		Auth: auth.Config{
			Enabled:        cfg.Auth.Enabled,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
			Users:          users,
			JWTSecret:      cfg.Auth.JWTSecret,
			JWTIssuer:      cfg.Auth.JWTIssuer,
		},
		TTL: usecase.TTLPolicy{
			Default:        cfg.TTL.Default,
			PerDestination: cfg.TTL.QueueTTLs(),
		},
		Sweep: ttl.Config{
			Enabled:  cfg.TTL.Enabled,
			Interval: cfg.TTL.Interval,
		},
		HandshakeTimeout: cfg.Broker.HandshakeTimeout,
		MaxSessions:      cfg.Broker.MaxSessions,
		MaxMsgSize:       cfg.Broker.MaxMsgSize,
		DrainTimeout:     cfg.Broker.DrainTimeout,
		ForwardTimeout:   cfg.DeadLetter.ForwardTimeout,
		Logger:           log,
	}
	if cfg.Management.Enabled {
		opts.ManagementAddr = cfg.Management.Address
	}
	return opts
}

// New connects the configured backends and creates the broker. Nothing
// listens until Run.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{cfg: cfg, logger: log}

	opts := BrokerOptions(cfg, log)

	if cfg.Broker.Persistent {
		journal, err := a.openJournal(ctx)
		if err != nil {
			a.closeBackends()
			return nil, err
		}
		opts.Journal = journal
	}

	sinks, err := a.openSinks()
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	opts.DeadLetterSinks = sinks

	b, err := broker.New(opts)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		a.closeBackends()
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	a.broker = b
	return a, nil
}

func (a *App) openJournal(ctx context.Context) (repository.MessageJournal, error) {
	cfg := a.cfg

	a.logger.Info("Connecting to Tarantool", logger.String("address", cfg.Tarantool.Address))
	records, err := tarantoolRepo.NewRepository(ctx, &tarantoolRepo.Config{
		Address:  cfg.Tarantool.Address,
		User:     cfg.Tarantool.User,
		Password: cfg.Tarantool.Password,
		Timeout:  cfg.Tarantool.Timeout,
	}, a.logger.Named("tarantool"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, records.Close)

	if err := records.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping Tarantool: %w", err)
	}
	a.logger.Info("Connected to Tarantool")

	var storage repository.StorageRepository
	if cfg.MinIO.Enabled {
		a.logger.Info("Connecting to MinIO",
			logger.String("endpoint", cfg.MinIO.Endpoint),
			logger.String("bucket", cfg.MinIO.BucketName),
		)
		objects, err := minioRepo.NewRepository(&minioRepo.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			BucketName:      cfg.MinIO.BucketName,
		}, a.logger.Named("minio"))
		if err != nil {
			return nil, err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure MinIO bucket: %w", err)
		}
		if cfg.MinIO.ExpirationDays > 0 {
			if err := objects.SetupExpiration(ctx, cfg.MinIO.ExpirationDays); err != nil {
				a.logger.Error("Failed to setup MinIO expiration", logger.Error(err))
			}
		}
		a.logger.Info("Connected to MinIO")
		storage = objects
	}

	return persistence.NewJournal(records, storage, cfg.MinIO.OffloadThreshold, a.logger.Named("journal")), nil
}

func (a *App) openSinks() ([]deadletter.Sink, error) {
	cfg := a.cfg.DeadLetter
	var sinks []deadletter.Sink

	fail := func(err error) ([]deadletter.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.AMQP.Enabled {
		s, err := amqpSink.Dial(amqpSink.Config{
			URL:              cfg.AMQP.URL,
			Exchange:         cfg.AMQP.Exchange,
			ExchangeType:     cfg.AMQP.ExchangeType,
			RoutingKeyPrefix: cfg.AMQP.RoutingKeyPrefix,
			ConnTimeout:      cfg.AMQP.ConnTimeout,
		}, a.logger.Named("dead_letter.amqp"))
		if err != nil {
			return fail(fmt.Errorf("failed to set up amqp forwarding: %w", err))
		}
		sinks = append(sinks, s)
	}

	if cfg.NATS.Enabled {
		s, err := natsSink.Connect(natsSink.Config{
			URL:           cfg.NATS.URL,
			Name:          a.cfg.Broker.Name,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ConnTimeout:   cfg.NATS.ConnTimeout,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to set up nats forwarding: %w", err))
		}
		sinks = append(sinks, s)
	}

	if cfg.Kafka.Enabled {
		s, err := kafkaSink.NewClient(kafkaSink.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to set up kafka forwarding: %w", err))
		}
		sinks = append(sinks, s)
	}

	for _, s := range sinks {
		a.logger.Info("Dead-letter forwarding enabled", logger.String("sink", s.Name()))
	}
	return sinks, nil
}

func (a *App) closeBackends() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Broker returns the application's broker.
func (a *App) Broker() *broker.Broker {
	return a.broker
}

// Run starts the broker and blocks until ctx is done, then stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.broker.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("failed to start broker: %w", err)
	}

	<-ctx.Done()
	a.logger.Info("Shutting down broker")

	stopCtx, cancel := context.WithTimeout(context.Background(), a.broker.DrainTimeout()+stopGrace)
	defer cancel()
	return a.Close(stopCtx)
}

// Close stops the broker and releases the backends. Close is idempotent.
func (a *App) Close(ctx context.Context) error {
	stopErr := a.broker.Stop(ctx)
	return errors.Join(stopErr, a.closeBackends())
}
