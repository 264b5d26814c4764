// Package cloudtest provides an in-memory cloud.Provider for tests.
package cloudtest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloud"
)

// CreateHook can fail a create call. call counts from 1 across the fake's lifetime.
type CreateHook func(req cloud.CreateRequest, call int) error

// Provider is a thread-safe fake that keeps servers in memory.
type Provider struct {
	mu          sync.Mutex
	servers     map[string]cloud.Server
	nextID      int
	creates     []cloud.CreateRequest
	deletes     []string
	inFlight    int
	maxInFlight int

	// OnCreate is consulted before a create succeeds.
	OnCreate CreateHook
	// CreateDelay is slept (respecting ctx) inside every create.
	CreateDelay time.Duration
	// DeleteErr, when set, fails every delete.
	DeleteErr error
	// DeleteDelay is slept (respecting ctx) inside every delete.
	DeleteDelay time.Duration
	// ListErr, when set, fails every list.
	ListErr error
	// ValidateErr, when set, fails Validate.
	ValidateErr error
	// Now stamps created servers.
	Now func() time.Time
}

// New creates an empty fake.
func New() *Provider {
	return &Provider{
		servers: make(map[string]cloud.Server),
		nextID:  1000,
		Now:     time.Now,
	}
}

// CreateNode records the request and stores a new server.
func (p *Provider) CreateNode(ctx context.Context, req cloud.CreateRequest) (cloud.Server, error) {
	p.mu.Lock()
	p.creates = append(p.creates, req)
	call := len(p.creates)
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	hook, delay := p.OnCreate, p.CreateDelay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return cloud.Server{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if hook != nil {
		if err := hook(req, call); err != nil {
			return cloud.Server{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	srv := cloud.Server{
		ID:            strconv.Itoa(p.nextID),
		Name:          req.Name,
		PublicAddress: fmt.Sprintf("198.51.100.%d", p.nextID%250+1),
		Region:        req.Region,
		Status:        "initializing",
		Labels:        maps.Clone(req.Labels),
		CreatedAt:     p.Now().UTC(),
	}
	p.servers[srv.ID] = srv
	return srv, nil
}

// DeleteNode records the call and removes the server. Unknown ids succeed.
func (p *Provider) DeleteNode(ctx context.Context, id string) error {
	p.mu.Lock()
	p.deletes = append(p.deletes, id)
	delay := p.DeleteDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	delete(p.servers, id)
	return nil
}

// ListNodes returns servers whose labels match every k=v in selector.
func (p *Provider) ListNodes(_ context.Context, selector string) ([]cloud.Server, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}

	want := parseSelector(selector)
	var out []cloud.Server
	for _, srv := range p.servers {
		if matches(srv.Labels, want) {
			out = append(out, srv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Validate records nothing and returns ValidateErr.
func (p *Provider) Validate(_ context.Context, _ cloud.Resources) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ValidateErr
}

// SetStatus changes the provider-side status of a stored server.
func (p *Provider) SetStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if srv, ok := p.servers[id]; ok {
		srv.Status = status
		p.servers[id] = srv
	}
}

// Put stores srv as if it had been created outside this process.
func (p *Provider) Put(srv cloud.Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[srv.ID] = srv
}

// Forget removes a server without recording a delete.
func (p *Provider) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, id)
}

// Servers returns a copy of the stored servers ordered by id.
func (p *Provider) Servers() []cloud.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cloud.Server, 0, len(p.servers))
	for _, srv := range p.servers {
		out = append(out, srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Creates returns every create request seen, successful or not.
func (p *Provider) Creates() []cloud.CreateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cloud.CreateRequest(nil), p.creates...)
}

// Deletes returns every id passed to DeleteNode.
func (p *Provider) Deletes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deletes...)
}

// MaxInFlight is the highest number of concurrent creates observed.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func parseSelector(selector string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(selector, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func matches(labels, want map[string]string) bool {
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}
