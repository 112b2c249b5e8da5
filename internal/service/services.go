package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
)

// Services aggregates all application services
type Services struct {
	User     *UserService
	Session  *SessionService
	Webauthz *WebauthzService
	Realm    *RealmService
	Account  *AccountService
	Login    *LoginService
}

// NewServices creates a new Services instance with an outbound HTTP client
// built from cfg.
func NewServices(store storage.Store, cfg *config.Config, logger *zap.Logger) (*Services, error) {
	http, err := transport.New(transport.Options{
		Timeout:    time.Duration(cfg.LoginShield.HTTPTimeoutSeconds) * time.Second,
		UserAgent:  cfg.LoginShield.ClientName + "/" + cfg.LoginShield.ClientVersion,
		CACertPath: cfg.LoginShield.CACertPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	return NewServicesWithClient(store, http, cfg, logger), nil
}

// NewServicesWithClient creates a new Services instance using http for all
// calls to the realm and authorization services.
func NewServicesWithClient(store storage.Store, http *transport.Client, cfg *config.Config, logger *zap.Logger) *Services {
	user := NewUserService(store, cfg, logger)
	session := NewSessionService(cfg, logger)
	wz := NewWebauthzService(store, http, cfg, logger)

	return &Services{
		User:     user,
		Session:  session,
		Webauthz: wz,
		Realm:    NewRealmService(store, wz, cfg, logger),
		Account:  NewAccountService(store, wz, cfg, logger),
		Login:    NewLoginService(store, wz, user, session, cfg, logger),
	}
}

// Start starts background workers
func (s *Services) Start() {
	if s.Session != nil {
		s.Session.revoked.Start()
	}
}

// Stop gracefully stops background workers
func (s *Services) Stop() {
	if s.Session != nil {
		s.Session.revoked.Stop()
	}
}
