package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chiquitav2/exitpool/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeServer starts a fake node status endpoint and returns a poller aimed at it.
func nodeServer(t *testing.T, handler http.Handler) (*HTTPPoller, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return NewHTTPPoller(port), host
}

func readyNode() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSetupComplete, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("2026-01-01T00:00:00Z\n"))
	})
	mux.HandleFunc(PathTailscaleIP, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("100.64.0.7\n"))
	})
	mux.HandleFunc(PathTailscaleStatus, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"BackendState":"Running"}`))
	})
	return mux
}

func TestPoll_Healthy(t *testing.T) {
	p, host := nodeServer(t, readyNode())

	report := p.Poll(context.Background(), host, time.Second)

	assert.True(t, report.Healthy)
	assert.Empty(t, report.Reason)
	assert.Equal(t, "100.64.0.7", report.TailscaleIP)
	assert.JSONEq(t, `{"BackendState":"Running"}`, string(report.Status))
	assert.Equal(t, host, report.Address)
	assert.False(t, report.CheckedAt.IsZero())
}

func TestPoll_NotReady(t *testing.T) {
	p, host := nodeServer(t, http.NotFoundHandler())

	report := p.Poll(context.Background(), host, time.Second)

	assert.False(t, report.Healthy)
	assert.Equal(t, models.ReasonNotReady, report.Reason)
}

func TestPoll_NoAddress(t *testing.T) {
	p := NewHTTPPoller(8080)

	report := p.Poll(context.Background(), "", time.Second)

	assert.False(t, report.Healthy)
	assert.Equal(t, models.ReasonNoAddress, report.Reason)
}

func TestPoll_Unreachable(t *testing.T) {
	srv := httptest.NewServer(readyNode())
	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	srv.Close()

	report := NewHTTPPoller(port).Poll(context.Background(), host, time.Second)

	assert.False(t, report.Healthy)
	assert.Equal(t, models.ReasonUnreachable, report.Reason)
}

func TestPoll_RespectsTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p, host := nodeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	start := time.Now()
	report := p.Poll(context.Background(), host, 100*time.Millisecond)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, report.Healthy)
	assert.Equal(t, models.ReasonUnreachable, report.Reason)
}

func TestPoll_IgnoresInvalidStatusJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSetupComplete, func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc(PathTailscaleStatus, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	p, host := nodeServer(t, mux)

	report := p.Poll(context.Background(), host, time.Second)

	assert.True(t, report.Healthy)
	assert.Nil(t, report.Status)
	assert.Empty(t, report.TailscaleIP)
}

type countingPoller struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	seen     []string
}

func (c *countingPoller) Poll(_ context.Context, address string, _ time.Duration) models.HealthReport {
	n := c.inFlight.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.inFlight.Add(-1)

	c.mu.Lock()
	c.seen = append(c.seen, address)
	c.mu.Unlock()
	return models.HealthReport{Address: address, Healthy: address != "bad"}
}

func TestPollAll_JoinsAllAndRespectsLimit(t *testing.T) {
	p := &countingPoller{}
	targets := []Target{
		{ID: "1", Address: "a"},
		{ID: "2", Address: "bad"},
		{ID: "3", Address: "c"},
		{ID: "4", Address: "d"},
		{ID: "5", Address: "e"},
	}

	results := PollAll(context.Background(), p, targets, time.Second, 2)

	require.Len(t, results, 5)
	assert.True(t, results["1"].Healthy)
	assert.False(t, results["2"].Healthy)
	assert.LessOrEqual(t, p.peak.Load(), int32(2))
	assert.Len(t, p.seen, 5)
}

func TestPollAll_Empty(t *testing.T) {
	assert.Empty(t, PollAll(context.Background(), &countingPoller{}, nil, time.Second, 4))
}
