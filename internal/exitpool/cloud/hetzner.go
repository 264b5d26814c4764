package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/gookit/goutil"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// Hetzner implements Provider on top of hcloud-go.
type Hetzner struct {
	client *hcloud.Client
	logger *logger.Logger
	now    func() time.Time
}

// HetznerOption configures a Hetzner provider.
type HetznerOption func(*Hetzner)

// WithHCloudClient replaces the underlying client, mainly for tests.
func WithHCloudClient(c *hcloud.Client) HetznerOption {
	return func(h *Hetzner) { h.client = c }
}

// NewHetzner creates a provider. endpoint may be empty for the public API.
func NewHetzner(apiToken, endpoint string, log *logger.Logger, opts ...HetznerOption) (*Hetzner, error) {
	if apiToken == "" {
		return nil, fmt.Errorf("API token is required")
	}

	clientOpts := []hcloud.ClientOption{
		hcloud.WithToken(apiToken),
		hcloud.WithApplication("exitpool", "1.0"),
	}
	if endpoint != "" {
		clientOpts = append(clientOpts, hcloud.WithEndpoint(endpoint))
	}

	h := &Hetzner{
		client: hcloud.NewClient(clientOpts...),
		logger: log.WithComponent("cloud.hetzner"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// CreateNode creates one server. It returns as soon as the API accepted the
// request; boot progress is observed through health polling.
func (h *Hetzner) CreateNode(ctx context.Context, req CreateRequest) (Server, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       req.Name,
		ServerType: &hcloud.ServerType{Name: req.ServerType},
		Image:      &hcloud.Image{Name: req.Image},
		PublicNet: &hcloud.ServerCreatePublicNet{
			EnableIPv4: true,
			EnableIPv6: true,
		},
		UserData: req.UserData,
		Labels:   req.Labels,
	}
	if req.Region != "" {
		opts.Location = &hcloud.Location{Name: req.Region}
	}

	result, resp, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return Server{}, h.classify("create", err, resp)
	}
	if result.Server == nil {
		return Server{}, &Error{Op: "create", Err: errors.New("empty server in create response")}
	}

	server := toServer(result.Server)
	if server.Region == "" {
		server.Region = req.Region
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = h.now().UTC()
	}

	h.logger.Debug("server created",
		"server_id", server.ID,
		"name", server.Name,
		"public_address", server.PublicAddress)
	return server, nil
}

// DeleteNode deletes a server. A server that no longer exists counts as deleted.
func (h *Hetzner) DeleteNode(ctx context.Context, id string) error {
	serverID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &Error{Op: "delete", Err: fmt.Errorf("invalid server ID %q: %w", id, err)}
	}

	_, resp, err := h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: serverID})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			h.logger.Warn("server not found, assuming already deleted", "server_id", id)
			return nil
		}
		return h.classify("delete", err, resp)
	}
	return nil
}

// ListNodes returns every server matching labelSelector.
func (h *Hetzner) ListNodes(ctx context.Context, labelSelector string) ([]Server, error) {
	servers, err := h.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: labelSelector},
	})
	if err != nil {
		return nil, h.classify("list", err, nil)
	}

	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, toServer(s))
	}
	return out, nil
}

// Validate checks that the server type, the image (for the server type's
// architecture) and every location exist.
func (h *Hetzner) Validate(ctx context.Context, res Resources) error {
	st, resp, err := h.client.ServerType.GetByName(ctx, res.ServerType)
	if err != nil {
		return h.classify("validate", err, resp)
	}
	if st == nil {
		return fmt.Errorf("server type %q does not exist", res.ServerType)
	}

	arch := st.Architecture
	if arch == "" {
		arch = hcloud.ArchitectureX86
	}
	img, resp, err := h.client.Image.GetForArchitecture(ctx, res.Image, arch)
	if err != nil {
		return h.classify("validate", err, resp)
	}
	if img == nil {
		return fmt.Errorf("image %q does not exist for architecture %s", res.Image, arch)
	}

	for _, name := range res.Locations {
		loc, resp, err := h.client.Location.GetByName(ctx, name)
		if err != nil {
			return h.classify("validate", err, resp)
		}
		if loc == nil {
			return fmt.Errorf("location %q does not exist", name)
		}
	}

	h.logger.Debug("provider resources validated",
		"server_type", st.Name,
		"architecture", arch,
		"image_id", img.ID,
		"locations", res.Locations)
	return nil
}

func toServer(s *hcloud.Server) Server {
	server := Server{
		ID:        strconv.FormatInt(s.ID, 10),
		Name:      s.Name,
		Status:    string(s.Status),
		Labels:    s.Labels,
		CreatedAt: s.Created.UTC(),
	}
	if ip := s.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		server.PublicAddress = ip.String()
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		server.Region = s.Datacenter.Location.Name
	}
	return server
}

// transientCodes are API error codes worth retrying.
var transientCodes = []hcloud.ErrorCode{
	hcloud.ErrorCodeRateLimitExceeded,
	hcloud.ErrorCodeResourceUnavailable,
	hcloud.ErrorCodeLocked,
	hcloud.ErrorCodeConflict,
	hcloud.ErrorCodeMaintenance,
	hcloud.ErrorCodeTimeout,
	hcloud.ErrorCodeServiceError,
}

// classify wraps err in an infrastructure error carrying a stable code and
// decides whether the call is worth repeating.
func (h *Hetzner) classify(op string, err error, resp *hcloud.Response) *Error {
	cerr := &Error{Op: op}
	code := apperrors.ErrCodeProviderError

	for _, c := range transientCodes {
		if hcloud.IsError(err, c) {
			cerr.Transient = true
			break
		}
	}

	var netErr net.Error
	switch {
	case hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded):
		code = apperrors.ErrCodeRateLimit
	case errors.As(err, &netErr) && netErr.Timeout(), hcloud.IsError(err, hcloud.ErrorCodeTimeout):
		code = apperrors.ErrCodeTimeout
		cerr.Transient = true
	}

	if resp != nil && resp.Response != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			code = apperrors.ErrCodeRateLimit
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			cerr.Transient = true
		}
		cerr.RetryAfter = retryAfter(resp.Header, h.now())
	}

	cerr.Err = apperrors.NewInfrastructureError(code, op+" request failed", cerr.Transient, err)
	return cerr
}

// retryAfter reads Retry-After (seconds) or the Hetzner RateLimit-Reset
// header (unix timestamp) and returns the wait it implies.
func retryAfter(header http.Header, now time.Time) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := goutil.ToInt(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := header.Get("RateLimit-Reset"); v != "" {
		if reset, err := goutil.ToInt(v); err == nil {
			if wait := time.Unix(int64(reset), 0).Sub(now); wait > 0 {
				return wait
			}
		}
	}
	return 0
}
