// Package cloudinit renders the user-data script that turns a fresh VM into a
// Tailscale exit node.
package cloudinit

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
)

//go:embed templates
var templatesFS embed.FS

// Template file names, both in the embedded set and in an override directory.
const (
	WrapperFile = "cloud-init-wrapper.sh.tmpl"
	SetupFile   = "exit-node-setup.sh"
)

// requiredPlaceholders must appear verbatim in the wrapper.
var requiredPlaceholders = []string{"{{.AuthKey}}", "{{.LoginServer}}", "{{.SetupScript}}"}

// Params are the per-node values substituted into the wrapper.
type Params struct {
	AuthKey     string
	LoginServer string
}

type templateData struct {
	AuthKey     string
	LoginServer string
	SetupScript string
	HealthPort  int
}

// Renderer holds parsed templates. Render is safe for concurrent use.
type Renderer struct {
	wrapper    *template.Template
	setup      string
	healthPort int
}

// NewRenderer loads templates from dir, or the embedded defaults when dir is empty.
func NewRenderer(dir string, healthPort int) (*Renderer, error) {
	var fsys fs.FS
	if dir == "" {
		sub, err := fs.Sub(templatesFS, "templates")
		if err != nil {
			return nil, err
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}

	wrapperSrc, err := fs.ReadFile(fsys, WrapperFile)
	if err != nil {
		return nil, templateError(fmt.Sprintf("cloud-init wrapper not found: %s", filepath.Join(dir, WrapperFile)), err)
	}
	setupSrc, err := fs.ReadFile(fsys, SetupFile)
	if err != nil {
		return nil, templateError(fmt.Sprintf("setup script not found: %s", filepath.Join(dir, SetupFile)), err)
	}

	var missing []string
	for _, p := range requiredPlaceholders {
		if !strings.Contains(string(wrapperSrc), p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, templateError(fmt.Sprintf("wrapper is missing placeholders %s", strings.Join(missing, ", ")), nil)
	}

	tmpl, err := template.New(WrapperFile).Option("missingkey=error").Parse(string(wrapperSrc))
	if err != nil {
		return nil, templateError("failed to parse cloud-init wrapper", err)
	}

	return &Renderer{
		wrapper:    tmpl,
		setup:      strings.TrimRight(string(setupSrc), "\n"),
		healthPort: healthPort,
	}, nil
}

// Render produces the user-data for one node.
func (r *Renderer) Render(p Params) (string, error) {
	var buf bytes.Buffer
	err := r.wrapper.Execute(&buf, templateData{
		AuthKey:     p.AuthKey,
		LoginServer: p.LoginServer,
		SetupScript: r.setup,
		HealthPort:  r.healthPort,
	})
	if err != nil {
		return "", templateError("failed to render cloud-init wrapper", err)
	}
	return buf.String(), nil
}

// Redact replaces every occurrence of secret in script.
func Redact(script, secret string) string {
	if secret == "" {
		return script
	}
	return strings.ReplaceAll(script, secret, "[REDACTED]")
}

func templateError(msg string, cause error) error {
	return apperrors.NewProvisioningError(apperrors.ErrCodeTemplate, msg, false, cause)
}
