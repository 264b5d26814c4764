package health

import (
	"context"
	"sync"
	"time"

	"github.com/chiquitav2/exitpool/internal/shared/models"
	"golang.org/x/sync/errgroup"
)

// Target is one node to poll.
type Target struct {
	ID      string
	Address string
}

// PollAll polls every target with at most limit requests in flight and
// returns once all of them finished. Results are keyed by target ID.
func PollAll(ctx context.Context, p Poller, targets []Target, timeout time.Duration, limit int) map[string]models.HealthReport {
	results := make(map[string]models.HealthReport, len(targets))
	if len(targets) == 0 {
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, target := range targets {
		g.Go(func() error {
			report := p.Poll(gctx, target.Address, timeout)
			mu.Lock()
			results[target.ID] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}
