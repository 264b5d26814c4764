// Package exitpool wires the registry, provider, poller, provisioner and
// reconciler into a runnable service.
package exitpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloud"
	"github.com/chiquitav2/exitpool/internal/exitpool/cloudinit"
	"github.com/chiquitav2/exitpool/internal/exitpool/config"
	"github.com/chiquitav2/exitpool/internal/exitpool/events"
	"github.com/chiquitav2/exitpool/internal/exitpool/health"
	"github.com/chiquitav2/exitpool/internal/exitpool/metrics"
	"github.com/chiquitav2/exitpool/internal/exitpool/provisioner"
	"github.com/chiquitav2/exitpool/internal/exitpool/reconciler"
	"github.com/chiquitav2/exitpool/internal/exitpool/registry"
	"github.com/chiquitav2/exitpool/internal/exitpool/retry"
	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
)

// Option overrides a component before wiring. Used by tests and by
// commands that need a different provider or poller.
type Option func(*Service)

// WithProvider replaces the Hetzner provider.
func WithProvider(p cloud.Provider) Option {
	return func(s *Service) { s.provider = p }
}

// WithPoller replaces the HTTP health poller.
func WithPoller(p health.Poller) Option {
	return func(s *Service) { s.poller = p }
}

// WithoutSignalHandling leaves SIGINT/SIGTERM to the caller.
func WithoutSignalHandling() Option {
	return func(s *Service) { s.disableSignalHandling = true }
}

// Service coordinates all exitpool components and manages their lifecycle
type Service struct {
	config *config.Config
	logger *logger.Logger

	registry      *registry.Registry
	provider      cloud.Provider
	poller        health.Poller
	bus           *events.Bus
	collector     *metrics.Collector
	metricsServer *metrics.Server
	reconciler    *reconciler.Reconciler

	// Internal state for lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	stopped  chan struct{}
	runErr   error // written before loopDone is closed
	stopErr  error // written before stopped is closed

	signalChan            chan os.Signal
	signalWg              sync.WaitGroup
	isRunning             bool
	mu                    sync.RWMutex
	disableSignalHandling bool
}

// NewService creates a Service and initializes all components in dependency order.
// The registry is loaded here, so corrupt state surfaces before anything starts.
func NewService(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Service, error) {
	svcCtx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config:     cfg,
		logger:     log.WithComponent("service"),
		ctx:        svcCtx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		stopped:    make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initializeComponents(ctx, log); err != nil {
		cancel()
		if s.registry != nil {
			_ = s.registry.Close()
		}
		return nil, fmt.Errorf("failed to initialize service components: %w", err)
	}

	return s, nil
}

func (s *Service) initializeComponents(ctx context.Context, log *logger.Logger) error {
	s.logger.Info("initializing service components")

	// 1. Registry (loads persisted state, applies the corrupt-state policy)
	reg, err := registry.Open(ctx, s.config.State, log)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	s.registry = reg
	s.logger.Debug("registry loaded", "backend", reg.Backend(), "path", s.config.State.Path, "nodes", reg.Len())

	// 2. Cloud provider
	if s.provider == nil {
		hz, err := cloud.NewHetzner(s.config.Hetzner.APIToken, s.config.Hetzner.Endpoint, log)
		if err != nil {
			return fmt.Errorf("failed to initialize Hetzner provider: %w", err)
		}
		s.provider = hz
	}
	if v, ok := s.provider.(cloud.Validator); ok {
		err := v.Validate(ctx, cloud.Resources{
			ServerType: s.config.Hetzner.ServerType,
			Image:      s.config.Hetzner.Image,
			Locations:  s.config.Hetzner.Locations,
		})
		if err != nil {
			return apperrors.NewConfigError("hetzner", err.Error())
		}
		s.logger.Debug("provider resources validated")
	}

	// 3. Boot script renderer
	renderer, err := cloudinit.NewRenderer(s.config.CloudInit.TemplateDir, s.config.Health.Port)
	if err != nil {
		return fmt.Errorf("failed to load cloud-init templates: %w", err)
	}

	// 4. Health poller
	if s.poller == nil {
		s.poller = health.NewHTTPPoller(s.config.Health.Port)
	}

	// 5. Provisioner
	prov := provisioner.New(s.provider, renderer, provisioner.Config{
		NamePrefix:    s.config.Pool.NamePrefix,
		ServerType:    s.config.Hetzner.ServerType,
		Image:         s.config.Hetzner.Image,
		Locations:     s.config.Hetzner.Locations,
		AuthKey:       s.config.Tailscale.AuthKey,
		LoginServer:   s.config.Tailscale.LoginServer,
		Concurrency:   s.config.Provision.Concurrency,
		CreateTimeout: s.config.Provision.CreateTimeout,
		Retry:         RetryPolicy(s.config.Provision),
	}, log)

	// 6. Events and metrics
	s.bus = events.NewBus(log)
	s.collector = metrics.NewCollector()
	s.collector.Attach(s.bus)
	if s.config.Metrics.Enabled {
		s.metricsServer = metrics.NewServer(s.config.Metrics.ListenAddr, s.collector, 3*s.config.Pool.Interval, log)
	}

	// 7. Reconciler
	s.reconciler = reconciler.New(reconciler.ConfigFrom(s.config), reg, s.provider, s.poller, prov, s.bus, log)

	s.logger.Info("all service components initialized successfully")
	return nil
}

// RetryPolicy converts the provision section into a retry.Policy.
func RetryPolicy(c config.ProvisionConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}
}

// Start launches the metrics endpoint and the reconcile loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("service is already running")
	}

	s.logger.InfoCtx(ctx, "starting exitpool service",
		"target", s.config.Pool.Target,
		"max_nodes", s.config.Pool.MaxNodes,
		"interval", s.config.Pool.Interval)

	if s.metricsServer != nil {
		if err := s.metricsServer.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if !s.disableSignalHandling {
		s.setupSignalHandling()
	}

	go func() {
		defer close(s.loopDone)
		s.runErr = s.reconciler.Run(s.ctx)
	}()

	s.isRunning = true
	s.logger.Info("exitpool service started successfully")
	return nil
}

// RunOnce performs a single reconcile cycle without starting the loop.
func (s *Service) RunOnce(ctx context.Context) reconciler.CycleReport {
	return s.reconciler.RunCycle(ctx)
}

func (s *Service) setupSignalHandling() {
	signal.Notify(s.signalChan, syscall.SIGINT, syscall.SIGTERM)

	s.signalWg.Add(1)
	go s.handleSignals()
}

func (s *Service) handleSignals() {
	defer s.signalWg.Done()

	select {
	case sig := <-s.signalChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()

		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error("error during graceful shutdown", "error", err)
		}

	case <-s.ctx.Done():
		s.logger.Debug("signal handler exiting due to service context cancellation")
	}
}

// shutdownTimeout leaves room for the in-flight cycle's grace period plus
// the final save.
func (s *Service) shutdownTimeout() time.Duration {
	return s.config.Pool.ShutdownGrace + 30*time.Second
}

// WaitForShutdown blocks until Stop has finished and returns its error.
func (s *Service) WaitForShutdown() error {
	s.logger.Info("service running, waiting for shutdown signal")
	<-s.stopped
	s.signalWg.Wait()
	s.logger.Info("service shutdown complete")
	return s.stopErr
}

// Stop cancels the loop, waits for its final save and releases resources.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		s.logger.Warn("service is not running")
		return nil
	}

	s.logger.Info("stopping exitpool service")
	if !s.disableSignalHandling {
		signal.Stop(s.signalChan)
	}

	var errs []error

	// 1. Reconcile loop (performs the final registry save)
	s.cancel()
	loopFinished := false
	select {
	case <-s.loopDone:
		loopFinished = true
		if s.runErr != nil {
			errs = append(errs, s.runErr)
		}
	case <-ctx.Done():
		s.logger.Warn("timeout waiting for the reconcile loop to finish, releasing the registry once it returns")
		errs = append(errs, ctx.Err())
	}

	// 2. Metrics endpoint
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			s.logger.Error("failed to stop metrics server", "error", err)
			errs = append(errs, err)
		}
	}

	// 3. Event listeners and registry store, only once the loop is done with them
	if loopFinished {
		errs = append(errs, s.release()...)
	} else {
		go func() {
			<-s.loopDone
			if s.runErr != nil {
				s.logger.Error("reconcile loop finished after shutdown timeout", "error", s.runErr)
			}
			for _, err := range s.release() {
				s.logger.Error("failed to release resources", "error", err)
			}
		}()
	}

	s.isRunning = false
	if err := errors.Join(errs...); err != nil {
		s.stopErr = fmt.Errorf("service shutdown completed with errors: %w", err)
	}
	close(s.stopped)

	if s.stopErr != nil {
		return s.stopErr
	}
	s.logger.Info("exitpool service stopped successfully")
	return nil
}

func (s *Service) release() []error {
	var errs []error
	if err := s.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Error("failed to close registry", "error", err)
		errs = append(errs, err)
	}
	return errs
}

// Close releases resources of a service that was never started.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return fmt.Errorf("service is running, use Stop")
	}
	s.cancel()
	return errors.Join(s.bus.Close(), s.registry.Close())
}

// IsRunning returns whether the service is currently running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Registry exposes the node registry for read-only observers.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Bus exposes the event bus so callers can subscribe before Start.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *Service) MetricsAddr() string {
	if s.metricsServer == nil {
		return ""
	}
	return s.metricsServer.Addr()
}
