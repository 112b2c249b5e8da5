package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

func TestSessionService_IssueAndValidate(t *testing.T) {
	svc := NewSessionService(testConfig(), zap.NewNop())
	user := &domain.User{UUID: domain.NewUserID(), Username: "alice"}
	ctx := context.Background()

	token, expiresAt, err := svc.Issue(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	claims, err := svc.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.UUID, claims.UserID())
	assert.Equal(t, "test-issuer", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestSessionService_Rejects(t *testing.T) {
	cfg := testConfig()
	svc := NewSessionService(cfg, zap.NewNop())
	user := &domain.User{UUID: domain.NewUserID()}
	ctx := context.Background()

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Validate(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := testConfig()
		other.JWT.Secret = "another-secret"
		token, _, err := NewSessionService(other, zap.NewNop()).Issue(user)
		require.NoError(t, err)
		_, err = svc.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := testConfig()
		other.JWT.Issuer = "someone-else"
		token, _, err := NewSessionService(other, zap.NewNop()).Issue(user)
		require.NoError(t, err)
		_, err = svc.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("expired", func(t *testing.T) {
		old := NewSessionService(cfg, zap.NewNop())
		old.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
		token, _, err := old.Issue(user)
		require.NoError(t, err)
		_, err = svc.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("unsigned", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Subject:   user.UUID.String(),
			Issuer:    cfg.JWT.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})
}

func TestSessionService_Revoke(t *testing.T) {
	svc := NewSessionService(testConfig(), zap.NewNop())
	user := &domain.User{UUID: domain.NewUserID()}
	ctx := context.Background()

	token, _, err := svc.Issue(user)
	require.NoError(t, err)
	other, _, err := svc.Issue(user)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, token))

	_, err = svc.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	_, err = svc.Validate(ctx, other)
	assert.NoError(t, err)

	assert.ErrorIs(t, svc.Revoke(ctx, token), ErrSessionRevoked)
}

func TestRevocationList_Cleanup(t *testing.T) {
	list := NewRevocationList(config.TokenBlacklistConfig{Enabled: true}, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	list.Add(ctx, "expired", now.Add(-time.Minute))
	list.Add(ctx, "live", now.Add(time.Hour))
	assert.Equal(t, 2, list.Len())

	assert.Equal(t, 1, list.cleanup(now))
	assert.False(t, list.Contains(ctx, "expired"))
	assert.True(t, list.Contains(ctx, "live"))
}

func TestRevocationList_Disabled(t *testing.T) {
	list := NewRevocationList(config.TokenBlacklistConfig{Enabled: false}, zap.NewNop())
	ctx := context.Background()

	list.Add(ctx, "jti", time.Now().Add(time.Hour))
	assert.False(t, list.Contains(ctx, "jti"))
	assert.Equal(t, 0, list.Len())

	list.Start()
	list.Stop()
}

func TestRevocationList_StartStop(t *testing.T) {
	list := NewRevocationList(config.TokenBlacklistConfig{Enabled: true, CleanupIntervalSeconds: 1}, zap.NewNop())
	list.Start()
	list.Stop()
	list.Stop()
}
