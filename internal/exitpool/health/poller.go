// Package health polls the status endpoint exit nodes expose after boot.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chiquitav2/exitpool/internal/shared/models"
)

// Paths served by the node status endpoint.
const (
	PathSetupComplete   = "/setup-complete"
	PathTailscaleIP     = "/tailscale-ip.txt"
	PathTailscaleStatus = "/tailscale-status.json"
)

const maxBodyBytes = 256 << 10

// Poller checks one node. Unreachability is reported in the result, never as an error.
type Poller interface {
	Poll(ctx context.Context, address string, timeout time.Duration) models.HealthReport
}

// HTTPPoller polls the plain-HTTP status endpoint on each node.
type HTTPPoller struct {
	client *http.Client
	port   int
	now    func() time.Time
}

// NewHTTPPoller creates a poller for nodes serving their status on port.
func NewHTTPPoller(port int) *HTTPPoller {
	return &HTTPPoller{
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		port: port,
		now:  time.Now,
	}
}

// Poll never blocks past timeout.
func (p *HTTPPoller) Poll(ctx context.Context, address string, timeout time.Duration) models.HealthReport {
	start := p.now()
	report := models.HealthReport{Address: address, CheckedAt: start.UTC()}

	if strings.TrimSpace(address) == "" {
		report.Reason = models.ReasonNoAddress
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := "http://" + net.JoinHostPort(address, strconv.Itoa(p.port))

	status, _, err := p.get(ctx, base+PathSetupComplete)
	report.Latency = p.now().Sub(start)
	if err != nil {
		report.Reason = models.ReasonUnreachable
		return report
	}
	if status != http.StatusOK {
		report.Reason = models.ReasonNotReady
		return report
	}
	report.Healthy = true

	// Best effort inside the same deadline.
	if status, body, err := p.get(ctx, base+PathTailscaleIP); err == nil && status == http.StatusOK {
		report.TailscaleIP = strings.TrimSpace(string(body))
	}
	if status, body, err := p.get(ctx, base+PathTailscaleStatus); err == nil && status == http.StatusOK && json.Valid(body) {
		report.Status = json.RawMessage(body)
	}

	return report
}

func (p *HTTPPoller) get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return resp.StatusCode, body, nil
}
