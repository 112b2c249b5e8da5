package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
)

// UserService manages the relying party's local accounts
type UserService struct {
	store  storage.Store
	cfg    *config.Config
	logger *zap.Logger
}

// NewUserService creates a new UserService
func NewUserService(store storage.Store, cfg *config.Config, logger *zap.Logger) *UserService {
	return &UserService{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("user-service"),
	}
}

// CreateUser provisions a local account. The password is optional; users
// without one can only sign in with LoginShield.
func (s *UserService) CreateUser(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", storage.ErrInvalidInput)
	}

	now := time.Now()
	user := &domain.User{
		UUID:        domain.NewUserID(),
		Username:    username,
		Email:       strings.TrimSpace(req.Email),
		DisplayName: req.DisplayName,
		IsAdmin:     req.IsAdmin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		hashStr := string(hash)
		user.PasswordHash = &hashStr
	}

	if err := s.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("User created",
		zap.String("user_id", user.UUID.String()),
		zap.Bool("is_admin", user.IsAdmin))
	return user, nil
}

// GetUser retrieves a user by ID
func (s *UserService) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	user, err := s.store.Users().GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// ListUsers returns all local accounts
func (s *UserService) ListUsers(ctx context.Context) ([]*domain.User, error) {
	return s.store.Users().List(ctx)
}

// Authenticate checks a password for the account named by login (username
// or email).
func (s *UserService) Authenticate(ctx context.Context, login, password string) (*domain.User, error) {
	user, err := s.store.Users().GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if user.PasswordHash == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
