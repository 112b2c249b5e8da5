package backend

import (
	"context"
	"testing"
	"time"

	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

func TestNew_MemoryBackend(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: "memory",
		},
	}

	backend, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer func() { _ = backend.Close() }()

	if backend.Users() == nil {
		t.Error("expected Users() to return non-nil store")
	}
	if backend.Settings() == nil {
		t.Error("expected Settings() to return non-nil store")
	}
	if err := backend.Ping(context.Background()); err != nil {
		t.Errorf("expected no error on Ping(), got %v", err)
	}
}

func TestNew_DefaultToMemory(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: "", // Empty should default to memory
		},
	}

	backend, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error for empty type, got %v", err)
	}
	defer func() { _ = backend.Close() }()

	if backend.Users() == nil {
		t.Error("expected Users() to return non-nil store")
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: "unsupported",
		},
	}

	_, err := New(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for unsupported storage type")
	}
}

func TestNew_MongoDBWithInvalidURI(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: "mongodb",
			MongoDB: config.MongoDBConfig{
				URI:      "mongodb://invalid-host-that-does-not-exist:27017",
				Database: "test",
				Timeout:  1, // Short timeout for faster test failure
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := New(ctx, cfg)
	if err == nil {
		t.Fatal("expected error for invalid MongoDB URI")
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: "redis",
			Redis: config.RedisConfig{
				Address: "127.0.0.1:1",
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := New(ctx, cfg)
	if err == nil {
		t.Fatal("expected error for unreachable Redis")
	}
}

func TestMemoryBackend_Close(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: "memory",
		},
	}

	backend, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Close should not return an error for memory backend
	if err := backend.Close(); err != nil {
		t.Errorf("expected no error on Close(), got %v", err)
	}
}
