// Package cloud defines the provider capability the pool reconciler consumes
// and its Hetzner Cloud implementation.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// Labels attached to every server this service creates.
const (
	LabelRole      = "role"
	LabelManagedBy = "managed-by"
	LabelPool      = "pool"

	RoleExitNode = "tailscale-exit-node"
	ManagedBy    = "exitpool"
)

// Provider is the subset of a cloud API the reconciler needs.
type Provider interface {
	CreateNode(ctx context.Context, req CreateRequest) (Server, error)
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context, labelSelector string) ([]Server, error)
}

// Validator is implemented by providers that can check configured resources
// before the first create.
type Validator interface {
	Validate(ctx context.Context, res Resources) error
}

// Resources names the provider resources every create refers to.
type Resources struct {
	ServerType string
	Image      string
	Locations  []string
}

// Provider-side server states that rule out a healthy node.
const (
	ServerStatusOff      = "off"
	ServerStatusDeleting = "deleting"
)

// CreateRequest describes one server to create.
type CreateRequest struct {
	Name       string
	Image      string
	Region     string
	ServerType string
	UserData   string
	Labels     map[string]string
}

// Server is the provider's view of a node.
type Server struct {
	ID            string
	Name          string
	PublicAddress string
	Region        string
	Status        string
	Labels        map[string]string
	CreatedAt     time.Time
}

// Down reports whether the provider says the server cannot be serving.
func (s Server) Down() bool {
	return s.Status == ServerStatusOff || s.Status == ServerStatusDeleting
}

// Error wraps a provider failure with what the retry layer needs to know.
type Error struct {
	Op         string
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("cloud %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed if repeated.
func (e *Error) Retryable() bool { return e.Transient }

// RetryAfterHint is the minimum wait the provider asked for, if any.
func (e *Error) RetryAfterHint() time.Duration { return e.RetryAfter }

// IsTransient reports whether err is a provider error worth retrying.
func IsTransient(err error) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Transient
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// PoolLabels returns the labels identifying servers of the pool named prefix.
func PoolLabels(prefix string) map[string]string {
	return map[string]string{
		LabelRole:      RoleExitNode,
		LabelManagedBy: ManagedBy,
		LabelPool:      prefix,
	}
}

// LabelSelector renders labels as a `k=v,k=v` selector with stable ordering.
func LabelSelector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
