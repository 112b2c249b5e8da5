package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
)

func (s *testServer) adminDo(method, path string, body interface{}) map[string]interface{} {
	s.t.Helper()
	w := s.do(s.admin, method, path, body, testAdminToken)
	require.Less(s.t, w.Code, 300, w.Body.String())
	return decode(s.t, w)
}

func TestAdminStatus(t *testing.T) {
	s := newTestServer(t)

	w := s.do(s.admin, http.MethodGet, "/admin/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "loginshield-admin", resp["service"])
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "guess", http.StatusUnauthorized},
		{"admin token", testAdminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(s.admin, http.MethodGet, "/admin/users", nil, tt.token)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("session token is not an admin token", func(t *testing.T) {
		token := s.session(s.createUser("root", "", true, domain.UserAuthBinding{}))
		w := s.do(s.admin, http.MethodGet, "/admin/users", nil, token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAdminUsers(t *testing.T) {
	s := newTestServer(t)

	created := s.adminDo(http.MethodPost, "/admin/users", gin.H{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "password123",
	})
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, created["has_password"])
	assert.Equal(t, string(domain.StateNotRegistered), created["loginshield_state"])

	t.Run("duplicate", func(t *testing.T) {
		w := s.do(s.admin, http.MethodPost, "/admin/users", gin.H{"username": "alice"}, testAdminToken)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing username", func(t *testing.T) {
		w := s.do(s.admin, http.MethodPost, "/admin/users", gin.H{"email": "x@example.com"}, testAdminToken)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := s.do(s.admin, http.MethodGet, "/admin/users", nil, testAdminToken)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Users []UserResponse `json:"users"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Users, 1)
		assert.Equal(t, "alice", resp.Users[0].Username)
	})

	t.Run("get", func(t *testing.T) {
		resp := s.adminDo(http.MethodGet, "/admin/users/"+id, nil)
		assert.Equal(t, "alice@example.com", resp["email"])

		w := s.do(s.admin, http.MethodGet, "/admin/users/"+domain.NewUserID().String(), nil, testAdminToken)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("reset", func(t *testing.T) {
		user := s.createUser("bob", "", false, activated)

		resp := s.adminDo(http.MethodPost, "/admin/users/"+user.UUID.String()+"/reset", nil)
		assert.Equal(t, true, resp["isEdited"])

		got := s.adminDo(http.MethodGet, "/admin/users/"+user.UUID.String(), nil)
		assert.Equal(t, string(domain.StateNotRegistered), got["loginshield_state"])

		w := s.do(s.admin, http.MethodPost, "/admin/users/"+domain.NewUserID().String()+"/reset", nil, testAdminToken)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAdminRealm(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := newTestServer(t)

		resp := s.adminDo(http.MethodGet, "/admin/realm", nil)
		assert.Equal(t, string(domain.PhaseUnregistered), resp["phase"])
		realm, ok := resp["realm"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "no-access-token", realm["error"])
	})

	t.Run("authorize", func(t *testing.T) {
		s := newTestServer(t)
		s.challengeRealm()
		s.serveAuthorizationServer()

		resp := s.adminDo(http.MethodPost, "/admin/realm/authorize", nil)
		assert.Equal(t, "https://as.example/grant?request=1", resp["redirect"])

		resp = s.adminDo(http.MethodGet, "/admin/realm", nil)
		assert.Equal(t, string(domain.PhaseAccessRequested), resp["phase"])
	})

	t.Run("authorize and exchange with the admin token", func(t *testing.T) {
		s := newTestServer(t)
		s.challengeRealm()
		s.serveAuthorizationServer()
		s.reply("/webauthz/exchange", http.StatusOK, gin.H{
			"access_token":              "access-token",
			"access_token_max_seconds":  3600,
			"refresh_token":             "refresh-token",
			"refresh_token_max_seconds": 86400,
		})

		s.adminDo(http.MethodPost, "/admin/realm/authorize", nil)
		state := s.store.SettingsSnapshot()[domain.KeyClientState]
		require.NotEmpty(t, state)

		resp := s.adminDo(http.MethodPost, "/admin/realm/exchange", gin.H{
			"client_id":    "client-1",
			"client_state": state,
			"grant_token":  "grant-1",
		})
		assert.Equal(t, "success", resp["status"])
		assert.Equal(t, "access-token", s.store.SettingsSnapshot()[domain.KeyAccessToken])
		assert.Equal(t, "grant-1", s.remoteBody("/webauthz/exchange")["grant_token"])

		w := s.do(s.admin, http.MethodPost, "/admin/realm/exchange", gin.H{
			"client_id":    "client-1",
			"client_state": state,
			"grant_token":  "grant-1",
		}, testAdminToken)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "not-found", decode(t, w)["error"])

		w = s.do(s.admin, http.MethodPost, "/admin/realm/exchange", gin.H{"client_id": "client-1"}, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("authorize against unreachable service", func(t *testing.T) {
		s := newTestServer(t)
		s.remote.Close()

		w := s.do(s.admin, http.MethodPost, "/admin/realm/authorize", nil, testAdminToken)
		require.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "service-unavailable", decode(t, w)["error"])
	})
}
