package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// NodeStatus defines the lifecycle status of an exit node.
type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusHealthy      NodeStatus = "healthy"
	NodeStatusUnhealthy    NodeStatus = "unhealthy"
	NodeStatusTerminating  NodeStatus = "terminating"
)

// allowedTransitions lists every legal status change. Anything not listed is rejected.
var allowedTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusProvisioning: {NodeStatusHealthy, NodeStatusTerminating},
	NodeStatusHealthy:      {NodeStatusUnhealthy},
	NodeStatusUnhealthy:    {NodeStatusHealthy, NodeStatusTerminating},
	NodeStatusTerminating:  {},
}

// Valid reports whether s is one of the known statuses.
func (s NodeStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransitionTo reports whether a node in status s may move to next.
// Staying in the same status is always allowed.
func (s NodeStatus) CanTransitionTo(next NodeStatus) bool {
	if s == next {
		return s.Valid()
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Counted reports whether nodes in this status count toward the pool target.
func (s NodeStatus) Counted() bool {
	return s == NodeStatusProvisioning || s == NodeStatusHealthy
}

// Pollable reports whether nodes in this status are health checked.
func (s NodeStatus) Pollable() bool {
	return s == NodeStatusProvisioning || s == NodeStatusHealthy || s == NodeStatusUnhealthy
}

// UnmarshalJSON rejects unknown statuses so corrupt state is detected on load.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := NodeStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown node status %q", raw)
	}
	*s = status
	return nil
}

// ExitNodeInfo is the registry record for one provisioned exit node.
type ExitNodeInfo struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	PublicAddress       string     `json:"public_address"`
	Region              string     `json:"region"`
	TailscaleIP         string     `json:"tailscale_ip"`
	CreatedAt           time.Time  `json:"created_at"`
	LastHealthyAt       time.Time  `json:"last_healthy_at"`
	LastCheckedAt       time.Time  `json:"last_checked_at"`
	Status              NodeStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DeleteAttempts      int        `json:"delete_attempts"`
}

// Age returns how long ago the node was created.
func (n ExitNodeInfo) Age(now time.Time) time.Duration {
	return now.Sub(n.CreatedAt)
}

// SortNodes orders nodes by creation time, then id, in place.
func SortNodes(nodes []ExitNodeInfo) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// CountByStatus tallies nodes per status.
func CountByStatus(nodes []ExitNodeInfo) map[NodeStatus]int {
	counts := make(map[NodeStatus]int, len(allowedTransitions))
	for _, n := range nodes {
		counts[n.Status]++
	}
	return counts
}

// HealthReport is the outcome of polling one node's health endpoint.
type HealthReport struct {
	Address     string          `json:"address"`
	Healthy     bool            `json:"healthy"`
	Reason      string          `json:"reason,omitempty"`
	TailscaleIP string          `json:"tailscale_ip,omitempty"`
	Status      json.RawMessage `json:"status,omitempty"`
	Latency     time.Duration   `json:"latency"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// Health report reasons.
const (
	ReasonNoAddress   = "no_address"
	ReasonUnreachable = "unreachable"
	ReasonNotReady    = "not_ready"
	ReasonServerDown  = "server_down"
)
