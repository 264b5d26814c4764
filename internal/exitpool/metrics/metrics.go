// Package metrics exposes pool state and reconciliation activity to
// Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/events"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	"github.com/gookit/event"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "exitpool"

// Collector owns every exitpool metric and the registry they live in.
// Each Collector has its own registry so several can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	cyclesTotal        *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	nodes              *prometheus.GaugeVec
	nodesTarget        prometheus.Gauge
	provisionedTotal   prometheus.Counter
	provisionFailures  *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	syncActionsTotal   *prometheus.CounterVec
	lastCycleTimestamp prometheus.Gauge

	mu        sync.RWMutex
	lastCycle time.Time
	cycles    int64
}

// NewCollector creates and registers all collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "cycles_total",
				Help:      "Total number of reconciliation cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
		),
		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "nodes",
				Help:      "Number of tracked exit nodes by status",
			},
			[]string{"status"},
		),
		nodesTarget: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "nodes_target",
				Help:      "Configured target number of exit nodes",
			},
		),
		provisionedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisioner",
				Name:      "nodes_created_total",
				Help:      "Total number of exit nodes created",
			},
		),
		provisionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisioner",
				Name:      "failures_total",
				Help:      "Total number of provisioning slots that gave up, by stage",
			},
			[]string{"stage"},
		),
		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "evictions_total",
				Help:      "Total number of evictions by outcome",
			},
			[]string{"outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "status_transitions_total",
				Help:      "Total number of node status transitions",
			},
			[]string{"from", "to"},
		),
		syncActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "sync_actions_total",
				Help:      "Total number of provider sync corrections by action",
			},
			[]string{"action"},
		),
		lastCycleTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time of the last completed reconciliation cycle",
			},
		),
	}

	c.registry.MustRegister(
		c.cyclesTotal,
		c.cycleDuration,
		c.nodes,
		c.nodesTarget,
		c.provisionedTotal,
		c.provisionFailures,
		c.evictionsTotal,
		c.transitionsTotal,
		c.syncActionsTotal,
		c.lastCycleTimestamp,
	)
	return c
}

// Registry returns the registry the collectors are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Attach subscribes the collector to every bus event.
func (c *Collector) Attach(bus *events.Bus) {
	bus.SubscribeAll(event.ListenerFunc(c.handle))
}

func (c *Collector) handle(e event.Event) error {
	switch e.Name() {
	case events.EventCycleCompleted:
		if p, ok := events.Payload[events.CycleCompletedEvent](e); ok {
			c.recordCycle(p)
		}
	case events.EventNodeStatusChanged:
		if p, ok := events.Payload[events.NodeStatusChangedEvent](e); ok {
			c.transitionsTotal.WithLabelValues(p.PreviousStatus, p.NewStatus).Inc()
		}
	case events.EventNodeProvisioned:
		c.provisionedTotal.Inc()
	case events.EventProvisionFailed:
		if p, ok := events.Payload[events.ProvisionFailedEvent](e); ok {
			c.provisionFailures.WithLabelValues(p.Stage).Inc()
		}
	case events.EventNodeEvicted:
		if p, ok := events.Payload[events.NodeEvictedEvent](e); ok {
			c.evictionsTotal.WithLabelValues(evictionOutcome(p)).Inc()
		}
	case events.EventNodeSynced:
		if p, ok := events.Payload[events.NodeSyncedEvent](e); ok {
			c.syncActionsTotal.WithLabelValues(p.Action).Inc()
		}
	}
	return nil
}

func (c *Collector) recordCycle(p events.CycleCompletedEvent) {
	result := "success"
	if p.PersistError != "" {
		result = "persist_error"
	}
	c.cyclesTotal.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(p.Duration.Seconds())
	c.nodesTarget.Set(float64(p.Target))
	for _, status := range []models.NodeStatus{
		models.NodeStatusProvisioning,
		models.NodeStatusHealthy,
		models.NodeStatusUnhealthy,
		models.NodeStatusTerminating,
	} {
		c.nodes.WithLabelValues(string(status)).Set(float64(p.Counts[string(status)]))
	}
	c.lastCycleTimestamp.Set(float64(p.Timestamp.Unix()))

	c.mu.Lock()
	c.lastCycle = p.Timestamp
	c.cycles++
	c.mu.Unlock()
}

// LastCycle returns when the last cycle completed and how many have run.
func (c *Collector) LastCycle() (time.Time, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycle, c.cycles
}

func evictionOutcome(p events.NodeEvictedEvent) string {
	switch {
	case p.Deleted:
		return "deleted"
	case p.Retained:
		return "retained"
	default:
		return "dropped"
	}
}
