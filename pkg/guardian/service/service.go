// Package service assembles the escalation controller with its collaborators,
// sinks and observers from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/audit"
	"github.com/TFMV/guardian/pkg/guardian/config"
	"github.com/TFMV/guardian/pkg/guardian/crypto"
	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/events"
	"github.com/TFMV/guardian/pkg/guardian/network"
	"github.com/TFMV/guardian/pkg/guardian/sensors"
	"github.com/TFMV/guardian/pkg/guardian/server"
	"github.com/TFMV/guardian/pkg/guardian/telemetry"
	"github.com/TFMV/guardian/pkg/guardian/vault"
)

// Service owns every long-lived component of a guardian process
type Service struct {
	cfg *config.Config

	Controller *escalation.Controller
	Keys       *crypto.KeyManager
	Vault      *vault.Vault
	Network    *network.Controller
	Quorum     *network.Quorum
	Source     *sensors.StaticSource
	Scheduler  *sensors.Scheduler
	Operations *events.OperationsLink
	AllClear   *escalation.AllClearLatch
	Metrics    *telemetry.Manager
	Audit      *audit.Service
	Health     *server.HealthReporter

	natsConn   *nats.Conn
	subscriber *events.Subscriber
	kafka      *events.KafkaSink
	admin      *http.Server
	cancel     context.CancelFunc
}

// New builds the service. Nothing is served until Start.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		Network:  network.NewController(cfg.Network),
		Quorum:   network.NewQuorum(),
		Source:   sensors.NewStaticSource(),
		AllClear: escalation.NewAllClearLatch(cfg.Escalation.AllClearWindow),
		Health:   server.NewHealthReporter(),
	}

	var err error
	s.Keys, err = crypto.NewKeyManager(cfg.Mirror.EncryptionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}

	store, err := newStore(ctx, cfg.Vault)
	if err != nil {
		return nil, err
	}
	s.Vault = vault.New(store, s.Keys, vault.Config{
		KeyPrefix:     cfg.Vault.KeyPrefix,
		ChunkSize:     cfg.Vault.ChunkSize,
		HashAlgorithm: cfg.Vault.HashAlgorithm,
	})

	s.Scheduler = sensors.NewScheduler(cfg.Monitoring, nil)

	hooks := escalation.NewHooks()
	hooks.Register(s.Health)

	if cfg.Telemetry.PrometheusEnabled || cfg.Telemetry.OTelEnabled {
		s.Metrics, err = telemetry.NewManager(cfg.Telemetry)
		if err != nil {
			s.closeAll(ctx)
			return nil, fmt.Errorf("failed to create telemetry manager: %w", err)
		}
		hooks.Register(s.Metrics)
	}

	if cfg.Audit.Enabled {
		s.Audit, err = audit.NewService(cfg.Audit)
		if err != nil {
			s.closeAll(ctx)
			return nil, err
		}
		hooks.Register(s.Audit)
	}

	var sinks []escalation.StatusSink
	if cfg.Events.LogStatus {
		sinks = append(sinks, events.NewLogSink(log.Logger))
	}

	if cfg.Events.NATSEnabled {
		s.natsConn, err = events.Connect(cfg.Events.NATSURL)
		if err != nil {
			s.closeAll(ctx)
			return nil, err
		}
		publisher := events.NewPublisher(s.natsConn)
		sinks = append(sinks, events.NewBreakerSink("nats", publisher, cfg.Events.BreakerThreshold, cfg.Events.BreakerReset))
		hooks.Register(publisher)
	}

	var opsConn events.Conn
	if s.natsConn != nil {
		opsConn = s.natsConn
	}
	s.Operations = events.NewOperationsLink(opsConn)

	if cfg.Events.Kafka.Enabled {
		s.kafka, err = events.NewKafkaSink(cfg.Events.Kafka)
		if err != nil {
			s.closeAll(ctx)
			return nil, err
		}
		sinks = append(sinks, events.NewBreakerSink("kafka", s.kafka, cfg.Events.BreakerThreshold, cfg.Events.BreakerReset))
	}

	s.Controller, err = escalation.New(escalation.Collaborators{
		Network:    s.Network,
		Consensus:  s.Quorum,
		Vault:      s.Vault,
		Keys:       s.Keys,
		Metrics:    sensors.NewSampler(s.Source, s.Scheduler.ValidationFrequency),
		Monitoring: s.Scheduler,
		AllClear:   s.AllClear,
		Operations: s.Operations,
		Sinks:      sinks,
	}, escalation.Options{
		Mirror:        cfg.Mirror,
		PhaseTimeout:  cfg.Escalation.PhaseTimeout,
		BackupTimeout: cfg.Escalation.BackupTimeout,
		Hooks:         hooks,
	})
	if err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("failed to create escalation controller: %w", err)
	}

	s.Scheduler.SetCycle(func(ctx context.Context) error {
		_, err := s.Controller.Monitor(ctx)
		return err
	})

	if s.natsConn != nil {
		s.subscriber = events.NewSubscriber(s.natsConn, s.Controller, s.AllClear, cfg.Events.SubmitTimeout)
	}

	return s, nil
}

// AdminHandler builds the admin API handler over the service's components
func (s *Service) AdminHandler() *server.AdminHandler {
	return server.NewAdminHandler(s.Controller, s.AllClear).WithNetwork(s.Network, s.Quorum)
}

func newStore(ctx context.Context, cfg config.VaultConfig) (vault.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := vault.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis vault store: %w", err)
		}
		return store, nil
	case "", "memory":
		log.Info().Msg("Vault using in-memory store")
		return vault.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
	}
}

// Start serves the admin API, metrics and health endpoints, subscribes to the
// detector feed and starts the monitoring loop
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.Metrics != nil {
		if err := s.Metrics.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if s.cfg.Server.GRPCEnabled {
		if err := s.Health.Serve(s.cfg.Server.GRPCAddr); err != nil {
			return err
		}
	}

	if s.cfg.Server.AdminAPIEnabled {
		opts := server.AdminOptions{
			Token:     s.cfg.Server.AdminToken,
			RateLimit: s.cfg.Server.AdminRateLimit,
			Burst:     s.cfg.Server.AdminRateBurst,
		}
		if s.Metrics != nil && s.Metrics.Registry() != nil {
			opts.Registerer = s.Metrics.Registry()
		}
		if opts.Token == "" {
			log.Warn().Msg("Admin API token not set, /api routes are unauthenticated")
		}
		s.admin = server.StartAdminAPI(s.cfg.Server.AdminAPIAddr, s.AdminHandler(), opts)
	} else {
		log.Info().Msg("Admin API disabled")
	}

	if s.subscriber != nil {
		if err := s.subscriber.Start(); err != nil {
			return err
		}
	}

	go func() {
		if err := s.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Monitoring loop stopped")
		}
	}()

	log.Info().
		Str("state", s.Controller.State().String()).
		Dur("interval", s.Scheduler.Interval()).
		Msg("Guardian started")

	return nil
}

// Shutdown stops intake first, then waits for in-flight work and releases
// every resource
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin API shutdown: %w", err))
		}
	}
	if s.subscriber != nil {
		s.subscriber.Close()
	}
	if err := s.Controller.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("controller shutdown: %w", err))
	}
	s.Health.Stop()

	errs = append(errs, s.closeAll(ctx)...)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info().Msg("Guardian stopped")
	return nil
}

// closeAll releases sinks, telemetry, audit and the vault store
func (s *Service) closeAll(ctx context.Context) []error {
	var errs []error
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka sink close: %w", err))
		}
	}
	if s.natsConn != nil {
		if err := s.natsConn.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	if s.Metrics != nil {
		if err := s.Metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Audit != nil {
		if err := s.Audit.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("audit shutdown: %w", err))
		}
	}
	if s.Vault != nil {
		if err := s.Vault.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vault close: %w", err))
		}
	}
	return errs
}
