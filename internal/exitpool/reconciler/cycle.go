package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloud"
	"github.com/chiquitav2/exitpool/internal/exitpool/config"
	"github.com/chiquitav2/exitpool/internal/exitpool/events"
	"github.com/chiquitav2/exitpool/internal/exitpool/health"
	"github.com/chiquitav2/exitpool/internal/exitpool/retry"
	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	"golang.org/x/sync/errgroup"
)

// cycle is the working set of one pass. Every mutation happens on the
// loop goroutine; fan-out results are merged here.
type cycle struct {
	r      *Reconciler
	parent context.Context
	ctx    context.Context
	nodes  map[string]models.ExitNodeInfo
	report *CycleReport
	// down holds nodes the provider reports as off or deleting, by id.
	down map[string]string
}

func (c *cycle) list() []models.ExitNodeInfo {
	out := make([]models.ExitNodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	models.SortNodes(out)
	return out
}

// checkpoint persists the working set mid-cycle. A failure is logged and
// retried by the next save.
func (c *cycle) checkpoint(phase string) {
	if err := c.r.registry.Save(context.WithoutCancel(c.ctx), c.list()); err != nil {
		c.r.logger.ErrorCtx(c.ctx, "checkpoint save failed", err, "phase", phase)
	}
}

func (c *cycle) transition(n *models.ExitNodeInfo, next models.NodeStatus, reason string) bool {
	if n.Status == next {
		return true
	}
	if !n.Status.CanTransitionTo(next) {
		err := apperrors.NewNodeError(apperrors.ErrCodeNodeInvalidTransition,
			fmt.Sprintf("cannot move from %s to %s", n.Status, next), false, nil)
		c.r.logger.WarnErrCtx(logger.WithNodeID(c.ctx, n.ID), "refusing invalid status transition", err, "reason", reason)
		return false
	}

	prev := n.Status
	n.Status = next
	c.report.Transitions++

	c.r.logger.InfoCtx(logger.WithNodeID(c.ctx, n.ID), "node status changed",
		"name", n.Name,
		"from", prev,
		"to", next,
		"reason", reason,
		"consecutive_failures", n.ConsecutiveFailures)
	_ = c.r.bus.PublishNodeStatusChanged(n.ID, n.Name, string(prev), string(next), reason)
	return true
}

// sync compares the working set with the provider's view of the pool.
func (c *cycle) sync() {
	selector := cloud.LabelSelector(cloud.PoolLabels(c.r.cfg.NamePrefix))
	servers, err := c.r.provider.ListNodes(c.ctx, selector)
	if err != nil {
		c.report.Sync = SyncReport{Skipped: true, Err: err}
		c.r.logger.WarnErrCtx(c.ctx, "provider sync skipped", err)
		return
	}

	now := c.r.now()
	known := make(map[string]cloud.Server, len(servers))
	for _, srv := range servers {
		known[srv.ID] = srv
	}

	for _, n := range c.list() {
		srv, ok := known[n.ID]
		if !ok {
			// Freshly created servers may not be listed yet.
			if n.Age(now) < c.r.cfg.ProvisioningGrace {
				continue
			}
			delete(c.nodes, n.ID)
			c.report.Sync.Dropped++
			c.r.logger.WarnErrCtx(logger.WithNodeID(c.ctx, n.ID), "dropping tracked node",
				apperrors.NewNodeError(apperrors.ErrCodeNodeNotFound, "server no longer exists at the provider", false, nil),
				"name", n.Name, "status", n.Status)
			_ = c.r.bus.PublishNodeSynced(n.ID, n.Name, events.SyncDropped)
			continue
		}
		if n.PublicAddress == "" && srv.PublicAddress != "" {
			n.PublicAddress = srv.PublicAddress
			c.nodes[n.ID] = n
			c.report.Sync.AddressesFilled++
			c.r.logger.InfoCtx(logger.WithNodeID(c.ctx, n.ID), "node address assigned", "address", srv.PublicAddress)
			_ = c.r.bus.PublishNodeSynced(n.ID, n.Name, events.SyncAddressFilled)
		}
		if srv.Down() {
			if c.down == nil {
				c.down = make(map[string]string)
			}
			c.down[n.ID] = srv.Status
			c.report.Sync.Down++
		}
	}

	for _, srv := range servers {
		if _, tracked := c.nodes[srv.ID]; tracked {
			continue
		}
		c.report.Sync.Orphans++
		if !c.r.cfg.AdoptOrphans {
			c.r.logger.WarnCtx(c.ctx, "provider has an untracked pool server",
				"server_id", srv.ID, "name", srv.Name, "address", srv.PublicAddress)
			_ = c.r.bus.PublishNodeSynced(srv.ID, srv.Name, events.SyncOrphanIgnored)
			continue
		}

		created := srv.CreatedAt.UTC()
		if created.IsZero() {
			created = now.UTC()
		}
		c.nodes[srv.ID] = models.ExitNodeInfo{
			ID:            srv.ID,
			Name:          srv.Name,
			PublicAddress: srv.PublicAddress,
			Region:        srv.Region,
			CreatedAt:     created,
			Status:        models.NodeStatusProvisioning,
		}
		c.report.Sync.Adopted++
		c.r.logger.InfoCtx(logger.WithNodeID(c.ctx, srv.ID), "adopted untracked pool server",
			"name", srv.Name, "address", srv.PublicAddress)
		_ = c.r.bus.PublishNodeSynced(srv.ID, srv.Name, events.SyncAdopted)
	}
}

// pollAndMerge polls every pollable node concurrently, then applies the
// reports one node at a time.
func (c *cycle) pollAndMerge() {
	var targets []health.Target
	for _, n := range c.list() {
		if !n.Status.Pollable() {
			continue
		}
		// Waiting for an address is normal while provisioning.
		if n.Status == models.NodeStatusProvisioning && n.PublicAddress == "" {
			continue
		}
		if _, down := c.down[n.ID]; down {
			continue
		}
		targets = append(targets, health.Target{ID: n.ID, Address: n.PublicAddress})
	}

	reports := health.PollAll(c.ctx, c.r.poller, targets, c.r.cfg.PollTimeout, c.r.cfg.PollConcurrency)
	c.report.Polled = len(reports)

	// A stopped or deleting server counts as a failed poll without a request.
	for id, status := range c.down {
		n, ok := c.nodes[id]
		if !ok || !n.Status.Pollable() {
			continue
		}
		c.r.logger.DebugCtx(c.ctx, "provider reports server down", "node_id", id, "server_status", status)
		reports[id] = models.HealthReport{Address: n.PublicAddress, Reason: models.ReasonServerDown, CheckedAt: c.r.now()}
	}

	// Reports gathered after the grace period ran out say nothing about the nodes.
	if c.ctx.Err() != nil {
		c.report.Abandoned = true
		c.r.logger.WarnCtx(c.ctx, "shutdown grace expired during polling, keeping only successful reports")
	}

	now := c.r.now()
	for _, n := range c.list() {
		rep, polled := reports[n.ID]
		if polled && (rep.Healthy || !c.report.Abandoned) {
			c.apply(&n, rep, now)
		}
		if n.Status == models.NodeStatusProvisioning && !c.report.Abandoned &&
			c.r.cfg.ProvisioningTimeout > 0 && n.Age(now) >= c.r.cfg.ProvisioningTimeout {
			c.r.logger.WarnErrCtx(logger.WithNodeID(c.ctx, n.ID), "node never became healthy",
				apperrors.NewNodeError(apperrors.ErrCodeProvisionTimeout,
					fmt.Sprintf("still provisioning after %s", c.r.cfg.ProvisioningTimeout), false, nil),
				"name", n.Name)
			c.transition(&n, models.NodeStatusTerminating, "provisioning_timeout")
		}
		c.nodes[n.ID] = n
	}
}

func (c *cycle) apply(n *models.ExitNodeInfo, rep models.HealthReport, now time.Time) {
	n.LastCheckedAt = now.UTC()
	if !rep.CheckedAt.IsZero() {
		n.LastCheckedAt = rep.CheckedAt.UTC()
	}

	if rep.Healthy {
		n.ConsecutiveFailures = 0
		n.LastHealthyAt = n.LastCheckedAt
		if rep.TailscaleIP != "" {
			n.TailscaleIP = rep.TailscaleIP
		}
		c.transition(n, models.NodeStatusHealthy, "poll_succeeded")
		return
	}

	// Provisioning nodes are expected to fail until setup completes.
	if n.Status == models.NodeStatusProvisioning {
		c.r.logger.DebugCtx(c.ctx, "provisioning node not ready yet", "node_id", n.ID, "reason", rep.Reason)
		return
	}

	n.ConsecutiveFailures++
	c.r.logger.WarnCtx(logger.WithNodeID(c.ctx, n.ID), "health poll failed",
		"name", n.Name,
		"reason", rep.Reason,
		"consecutive_failures", n.ConsecutiveFailures,
		"threshold", c.r.cfg.FailureThreshold)
	if n.ConsecutiveFailures >= c.r.cfg.FailureThreshold {
		c.transition(n, models.NodeStatusUnhealthy, rep.Reason)
	}
}

type deleteOutcome struct {
	id  string
	err error
}

// evict marks unhealthy nodes at the threshold as terminating and deletes
// every terminating node exactly once.
func (c *cycle) evict() {
	var doomed []models.ExitNodeInfo
	for _, n := range c.list() {
		if n.Status == models.NodeStatusUnhealthy && n.ConsecutiveFailures >= c.r.cfg.FailureThreshold {
			c.r.logger.WarnErrCtx(logger.WithNodeID(c.ctx, n.ID), "evicting exit node",
				apperrors.NewNodeError(apperrors.ErrCodeNodeUnhealthy,
					fmt.Sprintf("%d consecutive failed polls", n.ConsecutiveFailures), false, nil),
				"name", n.Name)
			c.transition(&n, models.NodeStatusTerminating, "failure_threshold_reached")
			c.nodes[n.ID] = n
		}
		if n.Status == models.NodeStatusTerminating {
			doomed = append(doomed, n)
		}
	}
	if len(doomed) == 0 {
		return
	}

	outcomes := make([]deleteOutcome, len(doomed))
	var g errgroup.Group
	if c.r.cfg.PollConcurrency > 0 {
		g.SetLimit(c.r.cfg.PollConcurrency)
	}
	for i, n := range doomed {
		g.Go(func() error {
			outcomes[i] = deleteOutcome{id: n.ID, err: c.deleteNode(n.ID)}
			return nil
		})
	}
	_ = g.Wait()

	for i, out := range outcomes {
		c.resolveEviction(doomed[i], out.err)
	}
}

func (c *cycle) deleteNode(id string) error {
	ctx := c.ctx
	if c.r.cfg.DeleteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.r.cfg.DeleteTimeout)
		defer cancel()
	}
	return c.r.provider.DeleteNode(ctx, id)
}

func (c *cycle) resolveEviction(n models.ExitNodeInfo, err error) {
	ctx := logger.WithNodeID(c.ctx, n.ID)
	ev := events.NodeEvictedEvent{NodeID: n.ID, Name: n.Name, Reason: "terminating"}

	if err == nil {
		c.forget(n.ID)
		ev.Deleted = true
		c.r.logger.InfoCtx(ctx, "evicted exit node", "name", n.Name, "address", n.PublicAddress)
		_ = c.r.bus.PublishNodeEvicted(ev)
		return
	}

	c.report.DeleteFailures++
	derr := apperrors.NewDestructionError(n.ID, "delete request failed", err)
	ev.DeleteError = derr.Error()

	// A delete cut short by shutdown is retried by the next run.
	if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		c.nodes[n.ID] = n
		ev.Retained = true
		c.r.logger.WarnErrCtx(ctx, "delete interrupted by shutdown, keeping node as terminating", derr,
			"delete_attempts", n.DeleteAttempts)
		_ = c.r.bus.PublishNodeEvicted(ev)
		return
	}
	n.DeleteAttempts++

	retain := c.r.cfg.OnDeleteFailure == config.OnDeleteFailureRetain &&
		n.DeleteAttempts < c.r.cfg.MaxDeleteAttempts
	if retain {
		c.nodes[n.ID] = n
		ev.Retained = true
		c.r.logger.WarnErrCtx(ctx, "delete failed, keeping node as terminating", derr,
			"delete_attempts", n.DeleteAttempts,
			"max_delete_attempts", c.r.cfg.MaxDeleteAttempts)
		_ = c.r.bus.PublishNodeEvicted(ev)
		return
	}

	c.forget(n.ID)
	c.r.logger.ErrorCtx(ctx, "delete failed, dropping node from the registry; the server may still exist", derr,
		"name", n.Name,
		"address", n.PublicAddress,
		"delete_attempts", n.DeleteAttempts)
	_ = c.r.bus.PublishNodeEvicted(ev)
}

// forget removes an evicted node from the working set and from disk at once.
func (c *cycle) forget(id string) {
	delete(c.nodes, id)
	c.report.Evicted = append(c.report.Evicted, id)
	if err := c.r.registry.Remove(context.WithoutCancel(c.ctx), id); err != nil {
		c.r.logger.ErrorCtx(c.ctx, "failed to remove evicted node from the registry", err, "node_id", id)
	}
}

// deficit is target minus counted nodes, clamped to [0, max - total].
// Untracked pool servers seen by sync occupy room under max as well.
func (c *cycle) deficit() int {
	counted := 0
	for _, n := range c.nodes {
		if n.Status.Counted() {
			counted++
		}
	}
	d := c.r.cfg.Target - counted
	room := c.r.cfg.MaxNodes - len(c.nodes)
	if c.report != nil {
		room -= c.report.Sync.Orphans - c.report.Sync.Adopted
	}
	if d > room {
		d = room
	}
	if d < 0 {
		d = 0
	}
	return d
}

// provision requests the deficit and persists every success as it arrives.
func (c *cycle) provision() {
	need := c.deficit()
	if need == 0 {
		return
	}
	if c.parent.Err() != nil {
		c.r.logger.InfoCtx(c.ctx, "shutting down, not provisioning", "deficit", need)
		return
	}
	c.report.Requested = need

	for res := range c.r.provisioner.Provision(c.ctx, need) {
		if res.Err != nil {
			c.report.ProvisionErrors = append(c.report.ProvisionErrors, res.Err)
			c.r.logger.ErrorCtx(c.ctx, "failed to provision exit node", res.Err, "attempts", res.Attempts)
			c.publishFailure(res.Err)
			continue
		}

		n := res.Node
		c.nodes[n.ID] = n
		c.report.Provisioned = append(c.report.Provisioned, n.ID)
		c.r.logger.InfoCtx(logger.WithNodeID(c.ctx, n.ID), "exit node provisioned",
			"name", n.Name,
			"region", n.Region,
			"address", n.PublicAddress,
			"attempts", res.Attempts)
		if err := c.r.registry.Upsert(context.WithoutCancel(c.ctx), n); err != nil {
			c.r.logger.ErrorCtx(c.ctx, "failed to persist provisioned node", err, "node_id", n.ID)
		}
		_ = c.r.bus.PublishNodeProvisioned(events.NodeProvisionedEvent{
			NodeID:   n.ID,
			Name:     n.Name,
			Region:   n.Region,
			Address:  n.PublicAddress,
			Attempts: res.Attempts,
			Duration: res.Duration,
		})
	}
}

func (c *cycle) publishFailure(err error) {
	ev := events.ProvisionFailedEvent{Error: err.Error(), Stage: "unknown"}
	var perr *apperrors.ProvisionError
	if errors.As(err, &perr) {
		ev.Name = perr.Name
		ev.Stage = perr.Stage
		ev.Attempts = perr.Attempts
		ev.Retryable, _ = retry.DefaultClassifier(perr.Err)
	}
	_ = c.r.bus.PublishProvisionFailed(ev)
}
