package backend

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/internal/storage/memory"
	"github.com/sirosfoundation/go-loginshield/internal/storage/mongodb"
	"github.com/sirosfoundation/go-loginshield/internal/storage/redis"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

// Type defines the type of storage backend
type Type string

const (
	// TypeMemory uses in-memory storage (for testing/development)
	TypeMemory Type = "memory"
	// TypeMongoDB uses MongoDB storage (for production)
	TypeMongoDB Type = "mongodb"
	// TypeRedis uses Redis storage (for horizontally scaled deployments)
	TypeRedis Type = "redis"
)

// Backend wraps storage stores with a common interface for lifecycle management
type Backend interface {
	// Users returns the user store
	Users() storage.UserStore
	// Settings returns the realm credential and protocol state store
	Settings() storage.SettingsStore
	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
	// Close closes the storage connection
	Close() error
}

// New creates a storage backend based on the configuration
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	storageType := Type(cfg.Storage.Type)

	switch storageType {
	case TypeMemory, "":
		// Default to memory if not specified
		return memory.NewStore(), nil

	case TypeMongoDB:
		store, err := mongodb.NewStore(ctx, &cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB backend: %w", err)
		}
		return store, nil

	case TypeRedis:
		store, err := redis.NewStore(ctx, &cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis backend: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
