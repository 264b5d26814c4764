package provisioner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloud"
	"github.com/chiquitav2/exitpool/internal/exitpool/cloud/cloudtest"
	"github.com/chiquitav2/exitpool/internal/exitpool/cloudinit"
	"github.com/chiquitav2/exitpool/internal/exitpool/retry"
	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type renderFunc func(cloudinit.Params) (string, error)

func (f renderFunc) Render(p cloudinit.Params) (string, error) { return f(p) }

func testConfig() Config {
	return Config{
		NamePrefix:    "tailscale-exit",
		ServerType:    "cx22",
		Image:         "ubuntu-24.04",
		Locations:     []string{"fsn1", "nbg1"},
		AuthKey:       "tskey-auth-test",
		LoginServer:   "https://controlplane.tailscale.com",
		Concurrency:   2,
		CreateTimeout: time.Second,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
	}
}

func newProvisioner(t *testing.T, provider cloud.Provider, cfg Config) *Provisioner {
	t.Helper()
	r, err := cloudinit.NewRenderer("", 8080)
	require.NoError(t, err)
	return New(provider, r, cfg, logger.NewDiscard())
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestProvision_AllSucceed(t *testing.T) {
	provider := cloudtest.New()
	provider.CreateDelay = 20 * time.Millisecond
	p := newProvisioner(t, provider, testConfig())

	results := collect(p.Provision(context.Background(), 4))
	require.Len(t, results, 4)

	ids := map[string]bool{}
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, models.NodeStatusProvisioning, r.Node.Status)
		assert.NotEmpty(t, r.Node.PublicAddress)
		assert.Equal(t, 1, r.Attempts)
		assert.False(t, r.Node.CreatedAt.IsZero())
		ids[r.Node.ID] = true
	}
	assert.Len(t, ids, 4)
	assert.LessOrEqual(t, provider.MaxInFlight(), 2)

	creates := provider.Creates()
	require.Len(t, creates, 4)
	regions := map[string]int{}
	names := map[string]bool{}
	for _, req := range creates {
		regions[req.Region]++
		names[req.Name] = true
		assert.Equal(t, "cx22", req.ServerType)
		assert.Equal(t, "ubuntu-24.04", req.Image)
		assert.Equal(t, cloud.PoolLabels("tailscale-exit"), req.Labels)
		assert.Contains(t, req.UserData, `export TS_AUTHKEY="tskey-auth-test"`)
		assert.Contains(t, req.UserData, `export LOGIN_SERVER="https://controlplane.tailscale.com"`)
	}
	assert.Equal(t, map[string]int{"fsn1": 2, "nbg1": 2}, regions)
	assert.Len(t, names, 4)
}

func TestProvision_ZeroCount(t *testing.T) {
	provider := cloudtest.New()
	p := newProvisioner(t, provider, testConfig())

	assert.Empty(t, collect(p.Provision(context.Background(), 0)))
	assert.Empty(t, collect(p.Provision(context.Background(), -1)))
	assert.Empty(t, provider.Creates())
}

func TestProvision_PartialFailureIsIsolated(t *testing.T) {
	provider := cloudtest.New()
	provider.OnCreate = func(req cloud.CreateRequest, call int) error {
		if req.Region == "nbg1" {
			return &cloud.Error{Op: "create", Err: errors.New("invalid_input: image not available")}
		}
		return nil
	}
	cfg := testConfig()
	cfg.Concurrency = 3
	p := newProvisioner(t, provider, cfg)

	results := collect(p.Provision(context.Background(), 3))
	require.Len(t, results, 3)

	var ok, failed int
	for _, r := range results {
		if r.Err == nil {
			ok++
			assert.Equal(t, "fsn1", r.Node.Region)
			continue
		}
		failed++
		var perr *apperrors.ProvisionError
		require.True(t, errors.As(r.Err, &perr))
		assert.Equal(t, StageCreate, perr.Stage)
		assert.Equal(t, 1, perr.Attempts, "permanent errors are not retried")
		assert.Contains(t, perr.Name, "-nbg1-")
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Len(t, provider.Servers(), 2)
}

func TestProvision_RetriesTransientErrors(t *testing.T) {
	provider := cloudtest.New()
	provider.OnCreate = func(_ cloud.CreateRequest, call int) error {
		if call == 1 {
			return &cloud.Error{Op: "create", Transient: true, Err: errors.New("rate_limit_exceeded")}
		}
		return nil
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	p := newProvisioner(t, provider, cfg)

	results := collect(p.Provision(context.Background(), 1))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Len(t, provider.Creates(), 2)
}

func TestProvision_ExhaustsRetries(t *testing.T) {
	provider := cloudtest.New()
	provider.OnCreate = func(cloud.CreateRequest, int) error {
		return &cloud.Error{Op: "create", Transient: true, Err: errors.New("service_error")}
	}
	p := newProvisioner(t, provider, testConfig())

	results := collect(p.Provision(context.Background(), 1))
	require.Len(t, results, 1)

	var perr *apperrors.ProvisionError
	require.True(t, errors.As(results[0].Err, &perr))
	assert.Equal(t, 3, perr.Attempts)

	var exhausted *retry.ExhaustedError
	assert.True(t, errors.As(results[0].Err, &exhausted))
	assert.Len(t, provider.Creates(), 3)
}

func TestProvision_AttemptTimeoutIsRetried(t *testing.T) {
	provider := cloudtest.New()
	provider.CreateDelay = 200 * time.Millisecond
	cfg := testConfig()
	cfg.CreateTimeout = 5 * time.Millisecond
	cfg.Retry.MaxAttempts = 2
	p := newProvisioner(t, provider, cfg)

	results := collect(p.Provision(context.Background(), 1))
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, 2, results[0].Attempts)
	assert.True(t, errors.Is(results[0].Err, context.DeadlineExceeded))
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.GetErrorCode(results[0].Err))
}

func TestProvision_RenderFailure(t *testing.T) {
	provider := cloudtest.New()
	broken := renderFunc(func(cloudinit.Params) (string, error) {
		return "", apperrors.NewProvisioningError(apperrors.ErrCodeTemplate, "template missing", false, nil)
	})
	p := New(provider, broken, testConfig(), logger.NewDiscard())

	results := collect(p.Provision(context.Background(), 2))
	require.Len(t, results, 2)
	for _, r := range results {
		var perr *apperrors.ProvisionError
		require.True(t, errors.As(r.Err, &perr))
		assert.Equal(t, StageRender, perr.Stage)
	}
	assert.Empty(t, provider.Creates())
}

func TestProvision_StreamsResultsAsTheyFinish(t *testing.T) {
	release := make(chan struct{})
	provider := cloudtest.New()
	provider.OnCreate = func(_ cloud.CreateRequest, call int) error {
		if call == 2 {
			<-release
		}
		return nil
	}
	p := newProvisioner(t, provider, testConfig())

	ch := p.Provision(context.Background(), 2)

	select {
	case first := <-ch:
		require.NoError(t, first.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("first result was not streamed while the second create was blocked")
	}

	close(release)
	rest := collect(ch)
	require.Len(t, rest, 1)
	assert.NoError(t, rest[0].Err)
}

func TestProvision_CancelledContext(t *testing.T) {
	provider := cloudtest.New()
	provider.CreateDelay = time.Second
	p := newProvisioner(t, provider, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Provision(ctx, 2)
	time.Sleep(10 * time.Millisecond)
	cancel()

	results := collect(ch)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
}

func TestNodeName(t *testing.T) {
	p := newProvisioner(t, cloudtest.New(), testConfig())
	p.now = func() time.Time { return time.Unix(1772366400, 0) }
	p.suffix = func() string { return "abcdef12" }

	assert.Equal(t, "tailscale-exit-fsn1-1772366400-abcdef12", p.nodeName("fsn1"))
	assert.Equal(t, "tailscale-exit-1772366400-abcdef12", p.nodeName(""))
}

func TestRequest_RotatesLocations(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"fsn1", "nbg1", "hel1"}
	p := newProvisioner(t, cloudtest.New(), cfg)

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, p.request().Region)
	}
	assert.Equal(t, []string{"fsn1", "nbg1", "hel1", "fsn1", "nbg1", "hel1"}, got)
}
