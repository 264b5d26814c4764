// Package events carries pool lifecycle events from the reconciler to
// observers such as metrics.
package events

import (
	"fmt"
	"time"

	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/gookit/event"
)

// Bus wraps a gookit event manager. Listeners run synchronously on the
// publishing goroutine, so they must be quick.
type Bus struct {
	manager *event.Manager
	logger  *logger.Logger
	now     func() time.Time
}

// NewBus creates a bus with its own manager.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		manager: event.NewManager("exitpool"),
		logger:  log.WithComponent("events"),
		now:     time.Now,
	}
}

// Subscribe registers listener for one event name.
func (b *Bus) Subscribe(name string, listener event.Listener) {
	b.manager.On(name, listener, event.Normal)
	b.logger.Debug("subscribed to event", "event", name)
}

// SubscribeAll registers listener for every event the bus publishes.
func (b *Bus) SubscribeAll(listener event.Listener) {
	for _, name := range []string{
		EventCycleCompleted,
		EventNodeStatusChanged,
		EventNodeProvisioned,
		EventProvisionFailed,
		EventNodeEvicted,
		EventNodeSynced,
	} {
		b.Subscribe(name, listener)
	}
}

// PublishCycleCompleted fires EventCycleCompleted.
func (b *Bus) PublishCycleCompleted(p CycleCompletedEvent) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now()
	}
	return b.fire(EventCycleCompleted, p)
}

// PublishNodeStatusChanged fires EventNodeStatusChanged.
func (b *Bus) PublishNodeStatusChanged(nodeID, name, previous, next, reason string) error {
	return b.fire(EventNodeStatusChanged, NodeStatusChangedEvent{
		NodeID:         nodeID,
		Name:           name,
		PreviousStatus: previous,
		NewStatus:      next,
		Reason:         reason,
		Timestamp:      b.now(),
	})
}

// PublishNodeProvisioned fires EventNodeProvisioned.
func (b *Bus) PublishNodeProvisioned(p NodeProvisionedEvent) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now()
	}
	return b.fire(EventNodeProvisioned, p)
}

// PublishProvisionFailed fires EventProvisionFailed.
func (b *Bus) PublishProvisionFailed(p ProvisionFailedEvent) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now()
	}
	return b.fire(EventProvisionFailed, p)
}

// PublishNodeEvicted fires EventNodeEvicted.
func (b *Bus) PublishNodeEvicted(p NodeEvictedEvent) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now()
	}
	return b.fire(EventNodeEvicted, p)
}

// PublishNodeSynced fires EventNodeSynced.
func (b *Bus) PublishNodeSynced(nodeID, name, action string) error {
	return b.fire(EventNodeSynced, NodeSyncedEvent{
		NodeID:    nodeID,
		Name:      name,
		Action:    action,
		Timestamp: b.now(),
	})
}

// Close drops every listener.
func (b *Bus) Close() error {
	b.manager.Clear()
	return nil
}

func (b *Bus) fire(name string, payload any) error {
	err, _ := b.manager.Fire(name, event.M{payloadKey: payload})
	if err != nil {
		b.logger.Warn("event listener failed", "event", name, "error", err)
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Payload extracts the typed payload from an event fired by a Bus.
func Payload[T any](e event.Event) (T, bool) {
	v, ok := e.Get(payloadKey).(T)
	return v, ok
}
