package events

import "time"

// Event names fired on the bus.
const (
	EventCycleCompleted    = "exitpool.cycle.completed"
	EventNodeStatusChanged = "exitpool.node.status_changed"
	EventNodeProvisioned   = "exitpool.node.provisioned"
	EventProvisionFailed   = "exitpool.provision.failed"
	EventNodeEvicted       = "exitpool.node.evicted"
	EventNodeSynced        = "exitpool.node.synced"
)

// payloadKey is the event data key holding the typed payload.
const payloadKey = "payload"

// Sync actions reported by NodeSyncedEvent.
const (
	SyncAdopted       = "adopted"
	SyncOrphanIgnored = "orphan_ignored"
	SyncDropped       = "dropped"
	SyncAddressFilled = "address_filled"
)

// CycleCompletedEvent summarizes one reconciliation cycle.
type CycleCompletedEvent struct {
	CorrelationID string         `json:"correlation_id"`
	Cycle         int64          `json:"cycle"`
	Duration      time.Duration  `json:"duration"`
	Polled        int            `json:"polled"`
	Evicted       int            `json:"evicted"`
	Requested     int            `json:"requested"`
	Provisioned   int            `json:"provisioned"`
	Failed        int            `json:"failed"`
	Target        int            `json:"target"`
	Counts        map[string]int `json:"counts"`
	PersistError  string         `json:"persist_error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NodeStatusChangedEvent is fired for every status transition.
type NodeStatusChangedEvent struct {
	NodeID         string    `json:"node_id"`
	Name           string    `json:"name"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// NodeProvisionedEvent is fired when a create request succeeded.
type NodeProvisionedEvent struct {
	NodeID    string        `json:"node_id"`
	Name      string        `json:"name"`
	Region    string        `json:"region"`
	Address   string        `json:"address"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProvisionFailedEvent is fired when one provisioning slot gave up.
type ProvisionFailedEvent struct {
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeEvictedEvent is fired after an eviction was handled.
type NodeEvictedEvent struct {
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	Reason      string    `json:"reason"`
	Deleted     bool      `json:"deleted"`
	Retained    bool      `json:"retained"`
	DeleteError string    `json:"delete_error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NodeSyncedEvent reports a discrepancy resolved against the provider.
type NodeSyncedEvent struct {
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
