package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage/memory"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
)

const testBaseURL = "https://site.example"

// fakeRemote serves both the realm service and the webauthz authorization
// server endpoints.
type fakeRemote struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
	bodies   map[string]map[string]interface{}
	bearers  map[string]string
}

func newFakeRemote(t *testing.T) *fakeRemote {
	f := &fakeRemote{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
		bodies:   make(map[string]map[string]interface{}),
		bearers:  make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		f.mu.Lock()
		f.calls[r.URL.Path]++
		f.bodies[r.URL.Path] = body
		f.bearers[r.URL.Path] = r.Header.Get("Authorization")
		h, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) URL(path string) string {
	return f.srv.URL + path
}

func (f *fakeRemote) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeRemote) reply(path string, status int, v interface{}) {
	f.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, v)
	})
}

func (f *fakeRemote) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeRemote) body(path string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func (f *fakeRemote) bearer(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bearers[path]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type testEnv struct {
	store  *memory.Store
	remote *fakeRemote
	cfg    *config.Config
	svc    *Services
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = testBaseURL
	cfg.JWT.Secret = "test-secret-key-for-testing-only"
	cfg.JWT.Issuer = "test-issuer"
	// the fake remote listens on plain http on loopback
	cfg.LoginShield.EndpointPolicy.Enabled = false
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	remote := newFakeRemote(t)
	cfg := testConfig()
	cfg.LoginShield.EndpointURL = remote.srv.URL

	http, err := transport.New(transport.Options{Timeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	store := memory.NewStore()
	return &testEnv{
		store:  store,
		remote: remote,
		cfg:    cfg,
		svc:    NewServicesWithClient(store, http, cfg, zap.NewNop()),
	}
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// seedGranted stores a registered client with a valid access token for realm-1
func (e *testEnv) seedGranted(t *testing.T) {
	t.Helper()
	now := time.Now()
	require.NoError(t, e.store.Settings().SetMany(context.Background(), map[string]string{
		domain.KeyRealmID:              "realm-1",
		domain.KeyAccessToken:          "access-token",
		domain.KeyAccessTokenNotAfter:  unix(now.Add(time.Hour)),
		domain.KeyRefreshToken:         "refresh-token",
		domain.KeyRefreshTokenNotAfter: unix(now.Add(24 * time.Hour)),
		domain.KeyClientID:             "client-1",
		domain.KeyClientToken:          "client-token",
		domain.KeyExchangeURI:          e.remote.URL("/webauthz/exchange"),
	}))
}

func (e *testEnv) createUser(t *testing.T, username string, binding domain.UserAuthBinding) *domain.User {
	t.Helper()
	user := &domain.User{
		UUID:     domain.NewUserID(),
		Username: username,
		Email:    username + "@example.com",
		Binding:  binding,
	}
	require.NoError(t, e.store.Users().Create(context.Background(), user))
	return user
}

func (e *testEnv) getUser(t *testing.T, id domain.UserID) *domain.User {
	t.Helper()
	user, err := e.store.Users().GetByID(context.Background(), id)
	require.NoError(t, err)
	return user
}
