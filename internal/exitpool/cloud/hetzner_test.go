package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer mocks the Hetzner Cloud API.
type testServer struct {
	server *httptest.Server
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	mux := http.NewServeMux()
	ts := &testServer{server: httptest.NewServer(mux), mux: mux}
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) provider(t *testing.T) *Hetzner {
	h, err := NewHetzner("test-token", ts.server.URL, logger.NewDiscard())
	require.NoError(t, err)
	return h
}

func jsonResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func apiError(w http.ResponseWriter, statusCode int, code, message string) {
	jsonResponse(w, statusCode, schema.ErrorResponse{
		Error: schema.Error{Code: code, Message: message},
	})
}

func TestNewHetzner_RequiresToken(t *testing.T) {
	_, err := NewHetzner("", "", logger.NewDiscard())
	require.Error(t, err)
}

func TestHetzner_CreateNode(t *testing.T) {
	ts := newTestServer(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var got struct {
		Name     string            `json:"name"`
		UserData string            `json:"user_data"`
		Labels   map[string]string `json:"labels"`
	}
	ts.mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		jsonResponse(w, http.StatusCreated, schema.ServerCreateResponse{
			Server: schema.Server{
				ID:      4711,
				Name:    got.Name,
				Status:  "initializing",
				Created: created,
				Labels:  got.Labels,
				PublicNet: schema.ServerPublicNet{
					IPv4: schema.ServerPublicNetIPv4{IP: "203.0.113.10"},
				},
			},
			Action:      schema.Action{ID: 1, Status: "running", Command: "create_server"},
			NextActions: []schema.Action{},
		})
	})

	req := CreateRequest{
		Name:       "tailscale-exit-fsn1-1700000000-abcd1234",
		Image:      "ubuntu-24.04",
		Region:     "fsn1",
		ServerType: "cx22",
		UserData:   "#cloud-config\n",
		Labels:     PoolLabels("tailscale-exit"),
	}
	server, err := ts.provider(t).CreateNode(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "4711", server.ID)
	assert.Equal(t, req.Name, server.Name)
	assert.Equal(t, "203.0.113.10", server.PublicAddress)
	assert.Equal(t, "fsn1", server.Region)
	assert.True(t, created.Equal(server.CreatedAt))

	assert.Equal(t, req.Name, got.Name)
	assert.Equal(t, "#cloud-config\n", got.UserData)
	assert.Equal(t, RoleExitNode, got.Labels[LabelRole])
}

func TestHetzner_CreateNode_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		code       string
		transient  bool
		retryAfter time.Duration
		headers    map[string]string
	}{
		{
			name:      "resource unavailable is transient",
			status:    http.StatusUnprocessableEntity,
			code:      string(hcloud.ErrorCodeResourceUnavailable),
			transient: true,
		},
		{
			name:      "invalid input is permanent",
			status:    http.StatusBadRequest,
			code:      string(hcloud.ErrorCodeInvalidInput),
			transient: false,
		},
		{
			name:       "locked with retry-after hint",
			status:     http.StatusLocked,
			code:       string(hcloud.ErrorCodeLocked),
			transient:  true,
			retryAfter: 7 * time.Second,
			headers:    map[string]string{"Retry-After": "7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				apiError(w, tt.status, tt.code, "nope")
			})

			_, err := ts.provider(t).CreateNode(context.Background(), CreateRequest{
				Name: "n", Image: "ubuntu-24.04", ServerType: "cx22", Region: "fsn1",
			})
			require.Error(t, err)

			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "create", cerr.Op)
			assert.Equal(t, tt.transient, cerr.Transient)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.retryAfter, cerr.RetryAfter)
		})
	}
}

func TestHetzner_DeleteNode(t *testing.T) {
	t.Run("deletes existing server", func(t *testing.T) {
		ts := newTestServer(t)
		deleted := false
		ts.mux.HandleFunc("/servers/42", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			deleted = true
			jsonResponse(w, http.StatusOK, schema.ServerDeleteResponse{
				Action: schema.Action{ID: 2, Status: "running", Command: "delete_server"},
			})
		})

		require.NoError(t, ts.provider(t).DeleteNode(context.Background(), "42"))
		assert.True(t, deleted)
	})

	t.Run("missing server counts as deleted", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mux.HandleFunc("/servers/42", func(w http.ResponseWriter, r *http.Request) {
			apiError(w, http.StatusNotFound, string(hcloud.ErrorCodeNotFound), "server not found")
		})

		require.NoError(t, ts.provider(t).DeleteNode(context.Background(), "42"))
	})

	t.Run("invalid id is a permanent error", func(t *testing.T) {
		ts := newTestServer(t)
		err := ts.provider(t).DeleteNode(context.Background(), "not-a-number")
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})
}

func TestHetzner_ListNodes(t *testing.T) {
	ts := newTestServer(t)
	selector := LabelSelector(PoolLabels("edge"))

	var gotSelector string
	ts.mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		gotSelector = r.URL.Query().Get("label_selector")

		servers := make([]schema.Server, 0, 2)
		for i := 1; i <= 2; i++ {
			servers = append(servers, schema.Server{
				ID:     int64(i),
				Name:   "edge-fsn1-" + strconv.Itoa(i),
				Status: "running",
				Labels: PoolLabels("edge"),
				PublicNet: schema.ServerPublicNet{
					IPv4: schema.ServerPublicNetIPv4{IP: "198.51.100." + strconv.Itoa(i)},
				},
			})
		}
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: servers})
	})

	nodes, err := ts.provider(t).ListNodes(context.Background(), selector)
	require.NoError(t, err)

	assert.Equal(t, "managed-by=exitpool,pool=edge,role=tailscale-exit-node", gotSelector)
	require.Len(t, nodes, 2)
	assert.Equal(t, "1", nodes[0].ID)
	assert.Equal(t, "198.51.100.2", nodes[1].PublicAddress)
	assert.Equal(t, "running", nodes[1].Status)
}

func TestHetzner_Validate(t *testing.T) {
	newCatalog := func(t *testing.T) (*testServer, *string) {
		ts := newTestServer(t)
		var imageArch string
		ts.mux.HandleFunc("/server_types", func(w http.ResponseWriter, r *http.Request) {
			var types []schema.ServerType
			if name := r.URL.Query().Get("name"); name == "cax11" {
				types = append(types, schema.ServerType{ID: 45, Name: name, Architecture: "arm"})
			}
			jsonResponse(w, http.StatusOK, schema.ServerTypeListResponse{ServerTypes: types})
		})
		ts.mux.HandleFunc("/images", func(w http.ResponseWriter, r *http.Request) {
			imageArch = r.URL.Query().Get("architecture")
			var images []schema.Image
			if name := r.URL.Query().Get("name"); name == "ubuntu-24.04" {
				images = append(images, schema.Image{ID: 161547269, Name: &name, Architecture: imageArch, Type: "system"})
			}
			jsonResponse(w, http.StatusOK, schema.ImageListResponse{Images: images})
		})
		ts.mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
			var locs []schema.Location
			if name := r.URL.Query().Get("name"); name == "fsn1" || name == "nbg1" {
				locs = append(locs, schema.Location{ID: 1, Name: name})
			}
			jsonResponse(w, http.StatusOK, schema.LocationListResponse{Locations: locs})
		})
		return ts, &imageArch
	}

	t.Run("existing resources pass", func(t *testing.T) {
		ts, imageArch := newCatalog(t)
		err := ts.provider(t).Validate(context.Background(), Resources{
			ServerType: "cax11",
			Image:      "ubuntu-24.04",
			Locations:  []string{"fsn1", "nbg1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "arm", *imageArch, "image is looked up for the server type's architecture")
	})

	tests := []struct {
		name    string
		res     Resources
		wantErr string
	}{
		{
			name:    "unknown server type",
			res:     Resources{ServerType: "cx9000", Image: "ubuntu-24.04", Locations: []string{"fsn1"}},
			wantErr: `server type "cx9000"`,
		},
		{
			name:    "unknown image",
			res:     Resources{ServerType: "cax11", Image: "templeos", Locations: []string{"fsn1"}},
			wantErr: `image "templeos"`,
		},
		{
			name:    "unknown location",
			res:     Resources{ServerType: "cax11", Image: "ubuntu-24.04", Locations: []string{"fsn1", "mars1"}},
			wantErr: `location "mars1"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newCatalog(t)
			err := ts.provider(t).Validate(context.Background(), tt.res)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServer_Down(t *testing.T) {
	for status, down := range map[string]bool{
		"running":      false,
		"initializing": false,
		"starting":     false,
		"off":          true,
		"deleting":     true,
	} {
		assert.Equal(t, down, Server{Status: status}.Down(), status)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{name: "none", header: http.Header{}, want: 0},
		{name: "retry-after seconds", header: http.Header{"Retry-After": []string{"12"}}, want: 12 * time.Second},
		{name: "rate limit reset", header: http.Header{"Ratelimit-Reset": []string{"1700000030"}}, want: 30 * time.Second},
		{name: "reset in the past", header: http.Header{"Ratelimit-Reset": []string{"1699999990"}}, want: 0},
		{name: "garbage", header: http.Header{"Retry-After": []string{"soon"}}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(tt.header, now))
		})
	}
}

func TestClassify_ServerErrorsAreTransient(t *testing.T) {
	h := &Hetzner{logger: logger.NewDiscard(), now: time.Now}
	resp := &hcloud.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}}}

	cerr := h.classify("create", assert.AnError, resp)
	assert.True(t, cerr.Transient)

	cerr = h.classify("create", assert.AnError, nil)
	assert.False(t, cerr.Transient)
	assert.ErrorIs(t, cerr, assert.AnError)
	assert.Equal(t, apperrors.ErrCodeProviderError, apperrors.GetErrorCode(cerr))

	resp = &hcloud.Response{Response: &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"3"}}}}
	cerr = h.classify("create", assert.AnError, resp)
	assert.True(t, cerr.Transient)
	assert.Equal(t, 3*time.Second, cerr.RetryAfter)
	assert.Equal(t, apperrors.ErrCodeRateLimit, apperrors.GetErrorCode(cerr))
	assert.True(t, apperrors.IsRetryable(cerr))
}

func TestLabelSelector_IsSorted(t *testing.T) {
	assert.Equal(t, "a=1,b=2,c=3", LabelSelector(map[string]string{"c": "3", "a": "1", "b": "2"}))
	assert.Equal(t, "", LabelSelector(nil))
}
