package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/internal/storage/memory"
)

const testCookie = "loginshield_session"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSessions accepts tokens of the form "session-<user id>"
type fakeSessions map[string]domain.UserID

func (f fakeSessions) ValidateUser(ctx context.Context, token string) (domain.UserID, error) {
	id, ok := f[token]
	if !ok {
		return domain.UserID{}, errors.New("invalid session")
	}
	return id, nil
}

func createTestUser(t *testing.T, store storage.Store, username string, isAdmin bool) *domain.User {
	t.Helper()
	user := &domain.User{
		UUID:     domain.NewUserID(),
		Username: username,
		IsAdmin:  isAdmin,
	}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func createTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(handlers...)
	router.GET("/test", func(c *gin.Context) {
		user, ok := GetUser(c)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"user_id": ""})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": user.UUID.String(), "token": GetToken(c)})
	})
	return router
}

func TestAdminAuthMiddleware(t *testing.T) {
	router := createTestRouter(AdminAuthMiddleware("admin-secret", zap.NewNop()))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"no bearer prefix", "admin-secret", http.StatusUnauthorized},
		{"empty value", "Bearer ", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer admin-secret", http.StatusOK},
		{"lowercase scheme", "bearer admin-secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestGenerateAdminToken(t *testing.T) {
	a, err := GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}
	b, _ := GenerateAdminToken()
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("tokens should be random")
	}
}

func TestRequireSession(t *testing.T) {
	store := memory.NewStore()
	user := createTestUser(t, store, "alice", false)
	sessions := fakeSessions{
		"session-alice": user.UUID,
		"session-ghost": domain.NewUserID(),
	}
	router := createTestRouter(RequireSession(sessions, store, testCookie, zap.NewNop()))

	tests := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"invalid bearer", "Bearer bogus", "", http.StatusUnauthorized},
		{"deleted user", "Bearer session-ghost", "", http.StatusUnauthorized},
		{"valid bearer", "Bearer session-alice", "", http.StatusOK},
		{"valid cookie", "", "session-alice", http.StatusOK},
		{"invalid cookie", "", "bogus", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: testCookie, Value: tt.cookie})
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestOptionalSession(t *testing.T) {
	store := memory.NewStore()
	user := createTestUser(t, store, "alice", false)
	sessions := fakeSessions{"session-alice": user.UUID}
	router := createTestRouter(OptionalSession(sessions, store, testCookie, zap.NewNop()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("anonymous request: got status %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != `{"user_id":""}` {
		t.Errorf("anonymous request body = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("invalid session should pass as anonymous, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "session-alice"})
	router.ServeHTTP(w, req)
	want := `{"token":"session-alice","user_id":"` + user.UUID.String() + `"}`
	if w.Body.String() != want {
		t.Errorf("body = %s, want %s", w.Body.String(), want)
	}
}

func TestRequireAdmin(t *testing.T) {
	store := memory.NewStore()
	admin := createTestUser(t, store, "admin", true)
	user := createTestUser(t, store, "alice", false)
	sessions := fakeSessions{
		"session-admin": admin.UUID,
		"session-alice": user.UUID,
	}
	router := createTestRouter(
		OptionalSession(sessions, store, testCookie, zap.NewNop()),
		RequireAdmin(),
	)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"regular user", "session-alice", http.StatusForbidden},
		{"admin", "session-admin", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
