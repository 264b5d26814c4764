package cloudinit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWrapper = `#!/bin/bash
export TS_AUTHKEY="{{.AuthKey}}"
export LOGIN_SERVER="{{.LoginServer}}"
cat > /tmp/tailscale-setup.sh << 'SETUP_SCRIPT_EOF'
{{.SetupScript}}
SETUP_SCRIPT_EOF
`

const testSetup = `#!/bin/bash
echo "Installing Tailscale..."
tailscale up --authkey="${TS_AUTHKEY}" --advertise-exit-node
`

func writeTemplates(t *testing.T, wrapper, setup string) string {
	t.Helper()
	dir := t.TempDir()
	if wrapper != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, WrapperFile), []byte(wrapper), 0o600))
	}
	if setup != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, SetupFile), []byte(setup), 0o600))
	}
	return dir
}

func TestRender_EmbeddedDefaults(t *testing.T) {
	r, err := NewRenderer("", 8080)
	require.NoError(t, err)

	out, err := r.Render(Params{AuthKey: "tskey-auth-123", LoginServer: "https://controlplane.tailscale.com"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "#!/bin/bash"))
	assert.Contains(t, out, `export TS_AUTHKEY="tskey-auth-123"`)
	assert.Contains(t, out, `export LOGIN_SERVER="https://controlplane.tailscale.com"`)
	assert.Contains(t, out, `export HEALTH_PORT="8080"`)
	assert.Contains(t, out, "SETUP_SCRIPT_EOF")
	assert.Contains(t, out, "--advertise-exit-node")
	assert.Contains(t, out, "setup-complete")
	assert.NotContains(t, out, "{{")
}

func TestRender_TemplateDirOverride(t *testing.T) {
	r, err := NewRenderer(writeTemplates(t, testWrapper, testSetup), 8080)
	require.NoError(t, err)

	out, err := r.Render(Params{AuthKey: "tskey-auth-k1+special&chars", LoginServer: "https://hs.example.com:443"})
	require.NoError(t, err)

	assert.Contains(t, out, "tskey-auth-k1+special&chars")
	assert.Contains(t, out, "https://hs.example.com:443")
	assert.Contains(t, out, `echo "Installing Tailscale..."`)
	assert.NotContains(t, out, "{{.SetupScript}}")
}

func TestNewRenderer_Failures(t *testing.T) {
	tests := []struct {
		name    string
		wrapper string
		setup   string
		wantMsg string
	}{
		{name: "missing wrapper", setup: testSetup, wantMsg: "cloud-init wrapper not found"},
		{name: "missing setup script", wrapper: testWrapper, wantMsg: "setup script not found"},
		{
			name:    "missing placeholder",
			wrapper: strings.ReplaceAll(testWrapper, "{{.LoginServer}}", "https://fixed"),
			setup:   testSetup,
			wantMsg: "{{.LoginServer}}",
		},
		{
			name:    "unparseable wrapper",
			wrapper: testWrapper + "{{if}}",
			setup:   testSetup,
			wantMsg: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRenderer(writeTemplates(t, tt.wrapper, tt.setup), 8080)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, apperrors.ErrCodeTemplate, apperrors.GetErrorCode(err))
			assert.False(t, apperrors.IsRetryable(err))
		})
	}
}

func TestRender_ConcurrentUse(t *testing.T) {
	r, err := NewRenderer("", 8080)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outputs := make([]string, 8)
	for i := range outputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := r.Render(Params{AuthKey: "key", LoginServer: "https://ls"})
			assert.NoError(t, err)
			outputs[i] = out
		}(i)
	}
	wg.Wait()

	for _, out := range outputs[1:] {
		assert.Equal(t, outputs[0], out)
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, `TS_AUTHKEY="[REDACTED]"`, Redact(`TS_AUTHKEY="secret"`, "secret"))
	assert.Equal(t, "unchanged", Redact("unchanged", ""))
}
