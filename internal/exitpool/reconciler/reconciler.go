// Package reconciler runs the control loop that keeps the exit-node pool at
// its target size.
package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloud"
	"github.com/chiquitav2/exitpool/internal/exitpool/config"
	"github.com/chiquitav2/exitpool/internal/exitpool/events"
	"github.com/chiquitav2/exitpool/internal/exitpool/health"
	"github.com/chiquitav2/exitpool/internal/exitpool/provisioner"
	"github.com/chiquitav2/exitpool/internal/exitpool/registry"
	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	"github.com/google/uuid"
)

// Provisioner creates nodes and streams one Result per requested node.
type Provisioner interface {
	Provision(ctx context.Context, count int) <-chan provisioner.Result
}

// Config holds the loop's tunables.
type Config struct {
	Target              int
	MaxNodes            int
	Interval            time.Duration
	ShutdownGrace       time.Duration
	NamePrefix          string
	PollTimeout         time.Duration
	PollConcurrency     int
	FailureThreshold    int
	ProvisioningGrace   time.Duration
	ProvisioningTimeout time.Duration
	DeleteTimeout       time.Duration
	OnDeleteFailure     string
	MaxDeleteAttempts   int
	SyncEnabled         bool
	AdoptOrphans        bool
}

// ConfigFrom extracts the reconciler settings from the service config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Target:              c.Pool.Target,
		MaxNodes:            c.Pool.MaxNodes,
		Interval:            c.Pool.Interval,
		ShutdownGrace:       c.Pool.ShutdownGrace,
		NamePrefix:          c.Pool.NamePrefix,
		PollTimeout:         c.Health.Timeout,
		PollConcurrency:     c.Health.Concurrency,
		FailureThreshold:    c.Health.FailureThreshold,
		ProvisioningGrace:   c.Health.ProvisioningGrace,
		ProvisioningTimeout: c.Health.ProvisioningTimeout,
		DeleteTimeout:       c.Eviction.DeleteTimeout,
		OnDeleteFailure:     c.Eviction.OnDeleteFailure,
		MaxDeleteAttempts:   c.Eviction.MaxDeleteAttempts,
		SyncEnabled:         c.Sync.Enabled,
		AdoptOrphans:        c.Sync.AdoptOrphans,
	}
}

// SyncReport describes the provider sync phase of one cycle.
type SyncReport struct {
	Skipped         bool
	Err             error
	Dropped         int
	Adopted         int
	Orphans         int
	AddressesFilled int
	Down            int
}

// CycleReport describes what one cycle observed and changed.
type CycleReport struct {
	CorrelationID   string
	Cycle           int64
	StartedAt       time.Time
	Duration        time.Duration
	Sync            SyncReport
	Polled          int
	Transitions     int
	Evicted         []string
	DeleteFailures  int
	Requested       int
	Provisioned     []string
	ProvisionErrors []error
	Abandoned       bool
	Counts          map[models.NodeStatus]int
	Total           int
	PersistErr      error
}

// Reconciler owns the registry's merge step. Only one cycle runs at a time.
type Reconciler struct {
	cfg         Config
	registry    *registry.Registry
	provider    cloud.Provider
	poller      health.Poller
	provisioner Provisioner
	bus         *events.Bus
	logger      *logger.Logger
	now         func() time.Time
	cycles      atomic.Int64
}

// New wires a reconciler. A nil bus gets a private one with no listeners.
func New(cfg Config, reg *registry.Registry, provider cloud.Provider, poller health.Poller, prov Provisioner, bus *events.Bus, log *logger.Logger) *Reconciler {
	if bus == nil {
		bus = events.NewBus(log)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Reconciler{
		cfg:         cfg,
		registry:    reg,
		provider:    provider,
		poller:      poller,
		provisioner: prov,
		bus:         bus,
		logger:      log.WithComponent("reconciler"),
		now:         time.Now,
	}
}

// Run executes cycles until ctx is cancelled, sleeping Interval between
// them. A failing cycle never stops the loop. The registry is saved one
// last time before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoCtx(ctx, "reconciler started",
		"target", r.cfg.Target,
		"max_nodes", r.cfg.MaxNodes,
		"interval", r.cfg.Interval)

	for ctx.Err() == nil {
		r.RunCycle(ctx)

		timer := time.NewTimer(r.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalSaveTimeout())
	defer cancel()
	if err := r.registry.Persist(saveCtx); err != nil {
		r.logger.ErrorCtx(saveCtx, "final save failed", err)
		return fmt.Errorf("final registry save failed: %w", err)
	}

	r.logger.Info("reconciler stopped", "nodes", r.registry.Len())
	return nil
}

func (r *Reconciler) finalSaveTimeout() time.Duration {
	if r.cfg.ShutdownGrace > 0 {
		return r.cfg.ShutdownGrace
	}
	return 10 * time.Second
}

// RunCycle performs one sync → poll → merge/evict → provision → persist pass.
// Per-node failures are contained and reported; RunCycle never aborts early.
func (r *Reconciler) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{
		CorrelationID: uuid.NewString(),
		Cycle:         r.cycles.Add(1),
		StartedAt:     r.now(),
	}

	ctx = logger.WithCorrelationID(ctx, report.CorrelationID)
	ctx = logger.WithCycle(ctx, fmt.Sprintf("%d", report.Cycle))
	op := r.logger.StartOp(ctx, "reconcile_cycle", "target", r.cfg.Target).
		With("max_nodes", r.cfg.MaxNodes)

	// Sub-tasks outlive a shutdown signal by ShutdownGrace.
	work, stop := withGrace(ctx, r.cfg.ShutdownGrace)
	defer stop()

	c := &cycle{
		r:      r,
		parent: ctx,
		ctx:    work,
		nodes:  make(map[string]models.ExitNodeInfo),
		report: &report,
	}
	for _, n := range r.registry.Snapshot() {
		c.nodes[n.ID] = n
	}

	if r.cfg.SyncEnabled {
		c.sync()
		op.Progress("sync finished",
			"skipped", report.Sync.Skipped,
			"dropped", report.Sync.Dropped,
			"orphans", report.Sync.Orphans,
			"down", report.Sync.Down)
	}
	c.pollAndMerge()
	op.Progress("poll finished", "polled", report.Polled, "abandoned", report.Abandoned)
	c.evict()
	c.checkpoint("eviction")
	op.Progress("eviction finished", "evicted", len(report.Evicted), "delete_failures", report.DeleteFailures)
	c.provision()

	list := c.list()
	report.Counts = models.CountByStatus(list)
	report.Total = len(list)
	if err := r.registry.Save(context.WithoutCancel(ctx), list); err != nil {
		report.PersistErr = err
		if apperrors.IsRetryable(err) {
			r.logger.WarnErrCtx(ctx, "failed to persist registry, retrying next cycle", err)
		} else {
			r.logger.ErrorCtx(ctx, "failed to persist registry", err)
		}
	}
	report.Duration = r.now().Sub(report.StartedAt)

	r.publishCycle(report)
	op.Complete("reconcile cycle finished",
		"nodes", report.Total,
		"healthy", report.Counts[models.NodeStatusHealthy],
		"provisioning", report.Counts[models.NodeStatusProvisioning],
		"polled", report.Polled,
		"evicted", len(report.Evicted),
		"requested", report.Requested,
		"provisioned", len(report.Provisioned),
		"provision_failures", len(report.ProvisionErrors))
	return report
}

func (r *Reconciler) publishCycle(report CycleReport) {
	counts := make(map[string]int, len(report.Counts))
	for status, n := range report.Counts {
		counts[string(status)] = n
	}
	ev := events.CycleCompletedEvent{
		CorrelationID: report.CorrelationID,
		Cycle:         report.Cycle,
		Duration:      report.Duration,
		Polled:        report.Polled,
		Evicted:       len(report.Evicted),
		Requested:     report.Requested,
		Provisioned:   len(report.Provisioned),
		Failed:        len(report.ProvisionErrors),
		Target:        r.cfg.Target,
		Counts:        counts,
		Timestamp:     r.now(),
	}
	if report.PersistErr != nil {
		ev.PersistError = report.PersistErr.Error()
	}
	_ = r.bus.PublishCycleCompleted(ev)
}
