// Package provisioner creates exit nodes concurrently and streams the
// outcome of every create back to the caller.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloud"
	"github.com/chiquitav2/exitpool/internal/exitpool/cloudinit"
	"github.com/chiquitav2/exitpool/internal/exitpool/retry"
	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Provisioning stages reported in ProvisionError.Stage.
const (
	StageRender = "render"
	StageCreate = "create"
)

// Renderer produces the boot script for one node.
type Renderer interface {
	Render(p cloudinit.Params) (string, error)
}

// Config controls how nodes are created.
type Config struct {
	NamePrefix    string
	ServerType    string
	Image         string
	Locations     []string
	AuthKey       string
	LoginServer   string
	Concurrency   int
	CreateTimeout time.Duration
	Retry         retry.Policy
}

// Result is the outcome of one provisioning slot. Err is a
// *errors.ProvisionError when the slot failed.
type Result struct {
	Node     models.ExitNodeInfo
	Attempts int
	Duration time.Duration
	Err      error
}

// Provisioner issues create requests. It never touches the registry.
type Provisioner struct {
	provider cloud.Provider
	renderer Renderer
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time
	suffix   func() string
	next     atomic.Uint64
}

// New creates a Provisioner.
func New(provider cloud.Provider, renderer Renderer, cfg Config, log *logger.Logger) *Provisioner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Provisioner{
		provider: provider,
		renderer: renderer,
		cfg:      cfg,
		logger:   log.WithComponent("provisioner"),
		now:      time.Now,
		suffix:   func() string { return uuid.NewString()[:8] },
	}
}

// Provision starts count creates with at most Config.Concurrency in flight
// and returns immediately. Each result is sent as soon as its create
// finishes; the channel is closed after the last one. The channel is
// buffered for count results, so an abandoned reader never blocks a slot.
func (p *Provisioner) Provision(ctx context.Context, count int) <-chan Result {
	if count < 0 {
		count = 0
	}
	out := make(chan Result, count)
	if count == 0 {
		close(out)
		return out
	}

	p.logger.InfoCtx(ctx, "provisioning exit nodes",
		"count", count,
		"concurrency", p.cfg.Concurrency,
		"retry_delays", p.cfg.Retry.Delays())

	go func() {
		defer close(out)

		// A plain group: one slot failing must not cancel its siblings.
		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)
		for i := 0; i < count; i++ {
			req := p.request()
			g.Go(func() error {
				out <- p.provisionOne(ctx, req)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

func (p *Provisioner) request() cloud.CreateRequest {
	region := ""
	if n := len(p.cfg.Locations); n > 0 {
		region = p.cfg.Locations[(p.next.Add(1)-1)%uint64(n)]
	}
	return cloud.CreateRequest{
		Name:       p.nodeName(region),
		Image:      p.cfg.Image,
		Region:     region,
		ServerType: p.cfg.ServerType,
		Labels:     cloud.PoolLabels(p.cfg.NamePrefix),
	}
}

// nodeName is `<prefix>-<region>-<unix>-<rand8>`.
func (p *Provisioner) nodeName(region string) string {
	parts := []string{p.cfg.NamePrefix}
	if region != "" {
		parts = append(parts, region)
	}
	parts = append(parts, fmt.Sprintf("%d", p.now().Unix()), p.suffix())
	return strings.Join(parts, "-")
}

func (p *Provisioner) provisionOne(ctx context.Context, req cloud.CreateRequest) Result {
	start := p.now()
	ctx = logger.WithOperation(ctx, "provision")
	op := p.logger.StartOp(ctx, "create_node", "name", req.Name, "region", req.Region)

	userData, err := p.renderer.Render(cloudinit.Params{AuthKey: p.cfg.AuthKey, LoginServer: p.cfg.LoginServer})
	if err != nil {
		perr := apperrors.NewProvisionError(StageRender, req.Name, 0, "failed to render boot script", err)
		op.Fail(perr, "provisioning failed")
		return Result{Err: perr, Duration: p.now().Sub(start)}
	}
	req.UserData = userData

	var srv cloud.Server
	attempts, err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		attemptCtx := ctx
		if p.cfg.CreateTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.CreateTimeout)
			defer cancel()
		}

		created, err := p.provider.CreateNode(attemptCtx, req)
		if err != nil {
			// A per-attempt timeout is transient while the caller is still waiting.
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return apperrors.NewInfrastructureError(apperrors.ErrCodeTimeout, "create attempt timed out", true, err)
			}
			return err
		}
		srv = created
		return nil
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		p.logger.WarnCtx(ctx, "create failed, retrying",
			"name", req.Name,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}))
	if err != nil {
		perr := apperrors.NewProvisionError(StageCreate, req.Name, attempts, "create request failed", err)
		op.Fail(perr, "provisioning failed")
		return Result{Err: perr, Attempts: attempts, Duration: p.now().Sub(start)}
	}

	node := models.ExitNodeInfo{
		ID:            srv.ID,
		Name:          srv.Name,
		PublicAddress: srv.PublicAddress,
		Region:        srv.Region,
		CreatedAt:     srv.CreatedAt.UTC(),
		Status:        models.NodeStatusProvisioning,
	}
	if node.Name == "" {
		node.Name = req.Name
	}
	if node.Region == "" {
		node.Region = req.Region
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = start.UTC()
	}

	op.Complete("exit node created", "node_id", node.ID, "address", node.PublicAddress, "attempts", attempts)
	return Result{Node: node, Attempts: attempts, Duration: p.now().Sub(start)}
}
