package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/api"
	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/service"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/internal/storage/memory"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/middleware"
)

// AdminToken is the admin API token used by the harness
const AdminToken = "integration-admin-token"

// TestHarness provides a complete test environment: the public and admin
// HTTP servers, configured services and a fake LoginShield service.
type TestHarness struct {
	T           *testing.T
	Server      *httptest.Server
	AdminServer *httptest.Server
	LoginShield *FakeLoginShield
	Config      *config.Config
	Storage     storage.Store
	Services    *service.Services
	Logger      *zap.Logger

	// BaseURL is the URL of the public test server
	BaseURL string
}

// TestHarnessOption configures the test harness
type TestHarnessOption func(*TestHarness)

// WithConfig sets a custom config for the test harness. The LoginShield
// endpoint is always pointed at the fake service.
func WithConfig(cfg *config.Config) TestHarnessOption {
	return func(h *TestHarness) {
		h.Config = cfg
	}
}

// NewTestHarness creates a new test harness with running test servers
func NewTestHarness(t *testing.T, opts ...TestHarnessOption) *TestHarness {
	t.Helper()

	gin.SetMode(gin.TestMode)

	h := &TestHarness{
		T:           t,
		Logger:      zap.NewNop(),
		LoginShield: NewFakeLoginShield(t),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.Config == nil {
		h.Config = config.Default()
		// plain http so the cookie jar sends the session cookie to the test server
		h.Config.Server.BaseURL = "http://site.example"
		h.Config.JWT.Secret = "test-secret-key-for-integration-tests"
		h.Config.JWT.Issuer = "test-loginshield"
		h.Config.Security.AuthRateLimit.Enabled = false
	}
	h.Config.LoginShield.EndpointURL = h.LoginShield.URL
	// the fake service listens on plain http on loopback
	h.Config.LoginShield.EndpointPolicy.Enabled = false

	h.Storage = memory.NewStore()

	services, err := service.NewServices(h.Storage, h.Config, h.Logger)
	if err != nil {
		t.Fatalf("Failed to create services: %v", err)
	}
	services.Start()
	t.Cleanup(services.Stop)
	h.Services = services

	var rateLimiter *middleware.AuthRateLimiter
	if h.Config.Security.AuthRateLimit.Enabled {
		rateLimiter = middleware.NewAuthRateLimiter(h.Config.Security.AuthRateLimit, h.Logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandlers(services, h.Config, rateLimiter, h.Logger).RegisterRoutes(router, h.Storage)

	adminRouter := gin.New()
	adminRouter.Use(gin.Recovery())
	api.NewAdminHandlers(services, h.Storage, h.Logger).RegisterRoutes(adminRouter, AdminToken)

	h.Server = httptest.NewServer(router)
	h.AdminServer = httptest.NewServer(adminRouter)
	h.BaseURL = h.Server.URL

	t.Cleanup(func() {
		h.Server.Close()
		h.AdminServer.Close()
	})

	return h
}

// NewBrowser returns a client with its own cookie jar, like a browser
// session against the public server.
func (h *TestHarness) NewBrowser() *Browser {
	jar, err := cookiejar.New(nil)
	if err != nil {
		h.T.Fatalf("Failed to create cookie jar: %v", err)
	}
	return &Browser{harness: h, client: &http.Client{Jar: jar}}
}

// CreateUser provisions a local account directly through the services
func (h *TestHarness) CreateUser(username, password string, isAdmin bool) *domain.User {
	h.T.Helper()
	user, err := h.Services.User.CreateUser(context.Background(), &domain.CreateUserRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: password,
		IsAdmin:  isAdmin,
	})
	if err != nil {
		h.T.Fatalf("Failed to create user %s: %v", username, err)
	}
	return user
}

// GetUser loads a user from storage
func (h *TestHarness) GetUser(id domain.UserID) *domain.User {
	h.T.Helper()
	user, err := h.Storage.Users().GetByID(context.Background(), id)
	if err != nil {
		h.T.Fatalf("Failed to get user %s: %v", id, err)
	}
	return user
}

// Admin makes a request to the admin server with the admin token
func (h *TestHarness) Admin(method, path string, body interface{}) *Response {
	h.T.Helper()
	req := h.newRequest(method, h.AdminServer.URL+path, body)
	req.Header.Set("Authorization", "Bearer "+AdminToken)
	return do(h.T, http.DefaultClient, req)
}

func (h *TestHarness) newRequest(method, url string, body interface{}) *http.Request {
	h.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			h.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		h.T.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func do(t *testing.T, client *http.Client, req *http.Request) *Response {
	t.Helper()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return &Response{T: t, Response: resp}
}

// Browser makes requests to the public server and keeps session cookies
type Browser struct {
	harness *TestHarness
	client  *http.Client
}

// GET makes a GET request
func (b *Browser) GET(path string) *Response {
	b.harness.T.Helper()
	return do(b.harness.T, b.client, b.harness.newRequest(http.MethodGet, b.harness.BaseURL+path, nil))
}

// POST makes a POST request with a JSON body
func (b *Browser) POST(path string, body interface{}) *Response {
	b.harness.T.Helper()
	return do(b.harness.T, b.client, b.harness.newRequest(http.MethodPost, b.harness.BaseURL+path, body))
}

// Response wraps an HTTP response with assertion helpers
type Response struct {
	T        *testing.T
	Response *http.Response
	body     []byte
	bodyRead bool
}

// Body returns the response body as bytes
func (r *Response) Body() []byte {
	r.T.Helper()
	if !r.bodyRead {
		var err error
		r.body, err = io.ReadAll(r.Response.Body)
		if err != nil {
			r.T.Fatalf("Failed to read response body: %v", err)
		}
		r.Response.Body.Close()
		r.bodyRead = true
	}
	return r.body
}

// JSON unmarshals the response body into the given target
func (r *Response) JSON(target interface{}) *Response {
	r.T.Helper()
	if err := json.Unmarshal(r.Body(), target); err != nil {
		r.T.Fatalf("Failed to unmarshal response: %v\nBody: %s", err, string(r.Body()))
	}
	return r
}

// Map unmarshals the response body into a generic map
func (r *Response) Map() map[string]interface{} {
	r.T.Helper()
	var m map[string]interface{}
	r.JSON(&m)
	return m
}

// Status asserts the response status code
func (r *Response) Status(expected int) *Response {
	r.T.Helper()
	if r.Response.StatusCode != expected {
		r.T.Errorf("Expected status %d, got %d\nBody: %s", expected, r.Response.StatusCode, string(r.Body()))
	}
	return r
}

// Header returns the value of a response header
func (r *Response) Header(name string) string {
	return r.Response.Header.Get(name)
}

// BodyContains asserts the response body contains a substring
func (r *Response) BodyContains(substr string) *Response {
	r.T.Helper()
	if !bytes.Contains(r.Body(), []byte(substr)) {
		r.T.Errorf("Expected body to contain %q\nBody: %s", substr, string(r.Body()))
	}
	return r
}

// Pretty returns pretty-printed JSON for debugging
func (r *Response) Pretty() string {
	var v interface{}
	if err := json.Unmarshal(r.Body(), &v); err != nil {
		return string(r.Body())
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	return string(pretty)
}

// Debug logs the response for debugging
func (r *Response) Debug() *Response {
	fmt.Printf("=== Response ===\nStatus: %d\nHeaders: %v\nBody:\n%s\n================\n",
		r.Response.StatusCode, r.Response.Header, r.Pretty())
	return r
}
