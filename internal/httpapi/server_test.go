// SPDX-License-Identifier: MIT

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hive/internal/config"
	"github.com/hivemesh/hive/internal/health"
	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/registry"
	"github.com/hivemesh/hive/internal/scheduler"
)

type fakeBrowser struct{}

func (fakeBrowser) Screenshot(context.Context) (string, error)     { return "/tmp/shot.png", nil }
func (fakeBrowser) CurrentURL(context.Context) (string, error)     { return "https://example.com", nil }
func (fakeBrowser) DOMContext(context.Context) (params.Map, error) { return params.Map{}, nil }
func (fakeBrowser) SetInteractive(context.Context, bool) error     { return nil }

type fakeExecutor struct {
	mu   sync.Mutex
	cmds []*proto.CommandPayload
}

func (f *fakeExecutor) Execute(_ context.Context, cmd *proto.CommandPayload) (params.Value, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return params.String("ok"), nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *registry.Registry, *intervention.Manager, *fakeExecutor) {
	t.Helper()
	reg := registry.New()
	exec := &fakeExecutor{}
	mgr := intervention.NewManager(intervention.Config{
		AttachScreenshot: true,
		WindowTTL:        time.Minute,
		StepTTL:          30 * time.Second,
	}, fakeBrowser{}, exec, nil)
	sched := scheduler.New(config.Default().Scheduler, scheduler.Deps{})
	hm := health.NewManager("test")
	srv := NewServer(Config{APIKey: apiKey}, sched, reg, mgr, hm)
	return srv, reg, mgr, exec
}

func doJSON(t *testing.T, h http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitTaskAccepted(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "key")
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/tasks", "key", taskRequest{
		Type:      "Navigate",
		PersonaID: "persona-1",
		Domain:    "shop.example.co.uk",
		Priority:  "high",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp taskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CommandID)
	assert.Equal(t, "queued", resp.Status)
}

func TestSubmitTaskValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "key")
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/tasks", "key", taskRequest{
		Type: "Navigate", // personaId missing
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitTaskAuth(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "key")
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/tasks", "wrong", taskRequest{
		Type:      "Navigate",
		PersonaID: "p",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestListDrones(t *testing.T) {
	srv, reg, _, _ := newTestServer(t, "key")
	reg.Register(proto.DroneRegistration{DroneID: "drone-1", Version: "2.0", Capabilities: []string{"chrome"}})
	router := srv.Router()

	rr := doJSON(t, router, http.MethodGet, "/api/v1/drones", "key", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Drones []droneView `json:"drones"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Drones, 1)
	assert.Equal(t, "drone-1", resp.Drones[0].DroneID)
	assert.Equal(t, "idle", resp.Drones[0].Status)
}

func TestInterventionLifecycleOverHTTP(t *testing.T) {
	srv, _, mgr, exec := newTestServer(t, "key")
	router := srv.Router()

	// Idle: 404.
	rr := doJSON(t, router, http.MethodGet, "/api/v1/interventions/current", "key", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	parent := &proto.CommandPayload{CommandID: "cmd-1", Type: "Login"}
	_, err := mgr.Initiate(context.Background(), "captcha", "drone-1", parent)
	require.NoError(t, err)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/interventions/current", "key", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view interventionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, "cmd-1", view.ParentCommandID)
	assert.Equal(t, "captcha", view.Reason)

	// Whitelisted step.
	rr = doJSON(t, router, http.MethodPost, "/api/v1/interventions/current/steps", "key", proto.CommandPayload{
		CommandID: "step-1",
		Type:      "Click",
		Parameters: params.Map{
			"mode":            params.String("intervention"),
			"parentCommandId": params.String("cmd-1"),
		},
	})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Rejected step.
	rr = doJSON(t, router, http.MethodPost, "/api/v1/interventions/current/steps", "key", proto.CommandPayload{
		CommandID: "step-2",
		Type:      "ExecuteScript",
		Parameters: params.Map{
			"mode":            params.String("intervention"),
			"parentCommandId": params.String("cmd-1"),
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	// Resume replays the stored action.
	rr = doJSON(t, router, http.MethodPost, "/api/v1/interventions/current/resume", "key", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.NotEmpty(t, exec.cmds)
	last := exec.cmds[len(exec.cmds)-1]
	assert.Equal(t, "cmd-1_replay", last.CommandID)
}

func loadContract(t *testing.T) *openapi3.T {
	t.Helper()
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile("openapi.yaml")
	require.NoError(t, err, "openapi load")
	require.NoError(t, doc.Validate(context.Background()), "openapi validate")
	return doc
}

func validateAgainstContract(t *testing.T, doc *openapi3.T, req *http.Request, rr *httptest.ResponseRecorder) {
	t.Helper()
	router, err := legacy.NewRouter(doc)
	require.NoError(t, err)

	route, pathParams, err := router.FindRoute(req)
	require.NoError(t, err, "route %s %s not in contract", req.Method, req.URL.Path)

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
			Options:    &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
		},
		Status: rr.Code,
		Header: rr.Header(),
	}
	input.SetBodyBytes(rr.Body.Bytes())
	require.NoError(t, openapi3filter.ValidateResponse(context.Background(), input))
}

func TestOpenAPIContract(t *testing.T) {
	doc := loadContract(t)
	srv, reg, _, _ := newTestServer(t, "key")
	reg.Register(proto.DroneRegistration{DroneID: "drone-1"})
	router := srv.Router()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"submit", http.MethodPost, "/api/v1/tasks", taskRequest{Type: "Navigate", PersonaID: "p-1"}},
		{"submit invalid", http.MethodPost, "/api/v1/tasks", taskRequest{Type: "Navigate"}},
		{"drones", http.MethodGet, "/api/v1/drones", nil},
		{"intervention idle", http.MethodGet, "/api/v1/interventions/current", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if tc.body != nil {
				require.NoError(t, json.NewEncoder(&buf).Encode(tc.body))
			}
			req := httptest.NewRequest(tc.method, tc.path, &buf)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-API-Key", "key")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			validateAgainstContract(t, doc, req, rr)
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "key")
	router := srv.Router()

	rr := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
