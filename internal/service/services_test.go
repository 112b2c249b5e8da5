package service

import (
	"testing"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/storage/memory"
)

func TestNewServices(t *testing.T) {
	services, err := NewServices(memory.NewStore(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}

	if services.User == nil {
		t.Error("expected User service to be initialized")
	}
	if services.Session == nil {
		t.Error("expected Session service to be initialized")
	}
	if services.Webauthz == nil {
		t.Error("expected Webauthz service to be initialized")
	}
	if services.Realm == nil {
		t.Error("expected Realm service to be initialized")
	}
	if services.Account == nil {
		t.Error("expected Account service to be initialized")
	}
	if services.Login == nil {
		t.Error("expected Login service to be initialized")
	}

	services.Start()
	services.Stop()
}

func TestNewServices_BadCABundle(t *testing.T) {
	cfg := testConfig()
	cfg.LoginShield.CACertPath = "/nonexistent/ca.pem"

	if _, err := NewServices(memory.NewStore(), cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unreadable CA bundle")
	}
}
