// Package registry holds the authoritative set of exit nodes and persists it.
package registry

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/chiquitav2/exitpool/internal/shared/models"
)

// Store persists the full node set. Save replaces everything atomically.
type Store interface {
	// Load returns the persisted set, an empty set when nothing was stored,
	// or a *errors.CorruptStateError when the stored data cannot be parsed.
	Load(ctx context.Context) ([]models.ExitNodeInfo, error)
	Save(ctx context.Context, nodes []models.ExitNodeInfo) error
	Backend() string
	Location() string
	Close() error
}

// Registry is the in-memory node set backed by a Store. Only the reconciler
// writes to it; the lock lets observers take snapshots concurrently.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]models.ExitNodeInfo
	store  Store
	logger *logger.Logger
}

// New creates an empty registry over store. Call Load to populate it.
func New(store Store, log *logger.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]models.ExitNodeInfo),
		store:  store,
		logger: log.WithComponent("registry"),
	}
}

// Load reads persisted state into memory and returns it ordered.
func (r *Registry) Load(ctx context.Context) ([]models.ExitNodeInfo, error) {
	nodes, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]models.ExitNodeInfo, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, apperrors.NewCorruptStateError(r.store.Backend(), r.store.Location(), fmt.Errorf("node %q has an empty id", n.Name))
		}
		if !n.Status.Valid() {
			return nil, apperrors.NewCorruptStateError(r.store.Backend(), r.store.Location(), fmt.Errorf("node %s has unknown status %q", n.ID, n.Status))
		}
		if _, dup := loaded[n.ID]; dup {
			return nil, apperrors.NewCorruptStateError(r.store.Backend(), r.store.Location(), fmt.Errorf("duplicate node id %s", n.ID))
		}
		loaded[n.ID] = normalize(n)
	}

	r.mu.Lock()
	r.nodes = loaded
	r.mu.Unlock()

	r.logger.Debug("registry loaded", "count", len(loaded), "backend", r.store.Backend())
	return r.Snapshot(), nil
}

// Save replaces the in-memory set and the persisted state with nodes.
// Memory is updated even when persisting fails so the next Save can retry
// with the newest view.
func (r *Registry) Save(ctx context.Context, nodes []models.ExitNodeInfo) error {
	next := make(map[string]models.ExitNodeInfo, len(nodes))
	for _, n := range nodes {
		if _, dup := next[n.ID]; dup {
			return apperrors.NewRegistryError(apperrors.ErrCodePersistence, fmt.Sprintf("duplicate node id %s", n.ID), false, nil)
		}
		next[n.ID] = normalize(n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = next

	if err := r.store.Save(ctx, sortedValues(next)); err != nil {
		return apperrors.NewRegistryError(apperrors.ErrCodePersistence, "failed to persist registry", true, err).
			WithMetadata("backend", r.store.Backend())
	}
	return nil
}

// Persist writes the current in-memory set again.
func (r *Registry) Persist(ctx context.Context) error {
	return r.Save(ctx, r.Snapshot())
}

// Snapshot returns a copy of all nodes ordered by creation time, then id.
func (r *Registry) Snapshot() []models.ExitNodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.nodes)
}

// Get returns one node by id.
func (r *Registry) Get(id string) (models.ExitNodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Len returns the number of tracked nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Upsert inserts or replaces one node and persists the result.
func (r *Registry) Upsert(ctx context.Context, node models.ExitNodeInfo) error {
	nodes := r.Snapshot()
	replaced := false
	for i := range nodes {
		if nodes[i].ID == node.ID {
			nodes[i] = node
			replaced = true
			break
		}
	}
	if !replaced {
		nodes = append(nodes, node)
	}
	return r.Save(ctx, nodes)
}

// Remove drops one node and persists the result. Unknown ids are a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	nodes := r.Snapshot()
	kept := nodes[:0]
	for _, n := range nodes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	return r.Save(ctx, kept)
}

// Backend names the persistence backend.
func (r *Registry) Backend() string {
	return r.store.Backend()
}

// Close releases the store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func normalize(n models.ExitNodeInfo) models.ExitNodeInfo {
	n.CreatedAt = n.CreatedAt.UTC()
	n.LastHealthyAt = n.LastHealthyAt.UTC()
	n.LastCheckedAt = n.LastCheckedAt.UTC()
	return n
}

func sortedValues(m map[string]models.ExitNodeInfo) []models.ExitNodeInfo {
	out := make([]models.ExitNodeInfo, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	models.SortNodes(out)
	return out
}
