package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLoginRequired       = errors.New("login required")
	ErrLoginShieldRequired = errors.New("account requires LoginShield")
)

// Login outcomes recorded in metrics
const (
	outcomeForward          = "forward"
	outcomeDeviceLink       = "device_link"
	outcomeAuthenticated    = "authenticated"
	outcomeRejected         = "rejected"
	outcomePasswordRequired = "password_required"
	outcomeRegistration     = "registration_required"
	outcomeUnknownUser      = "unknown_user"
)

// LoginService dispatches LoginShield logins and the password fallback
type LoginService struct {
	users    storage.UserStore
	webauthz *WebauthzService
	accounts *UserService
	sessions *SessionService
	cfg      *config.Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewLoginService creates a new LoginService
func NewLoginService(store storage.Store, wz *WebauthzService, accounts *UserService, sessions *SessionService, cfg *config.Config, logger *zap.Logger) *LoginService {
	return &LoginService{
		users:    store.Users(),
		webauthz: wz,
		accounts: accounts,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.Named("login-service"),
		now:      time.Now,
	}
}

// LoginWithLoginShield handles the three LoginShield login calls: activation
// from the profile page (current must be set), verification of a completed
// login, and the start of a login for a named account.
func (s *LoginService) LoginWithLoginShield(ctx context.Context, req domain.LoginRequest, current *domain.User) (*domain.LoginResult, error) {
	switch {
	case req.Mode == domain.ModeActivateLoginShield:
		if current == nil {
			return nil, ErrUnauthorized
		}
		return s.activate(ctx, current)
	case req.VerifyToken != "":
		return s.verify(ctx, req.VerifyToken)
	case req.Login != "":
		return s.start(ctx, req.Login, req.RedirectTo)
	default:
		metrics.RecordLoginOutcome(outcomePasswordRequired)
		return &domain.LoginResult{Error: domain.LoginErrorPasswordRequired}, nil
	}
}

// activate starts a login that confirms the user's registration. Users that
// are already activated go through a normal login instead.
func (s *LoginService) activate(ctx context.Context, user *domain.User) (*domain.LoginResult, error) {
	binding := user.Binding
	if !binding.HasRealmUser() {
		metrics.RecordLoginOutcome(outcomeRegistration)
		return &domain.LoginResult{Error: domain.LoginErrorRegistrationRequired}, nil
	}

	redirect := s.cfg.Server.BaseURL + s.cfg.LoginShield.ProfilePagePath + "?mode=" + domain.ModeResumeLoginShield
	isNewKey := !binding.IsActivated

	forward, err := s.startLogin(ctx, binding.RealmScopedUserID, redirect, isNewKey)
	if err != nil {
		return nil, err
	}
	return &domain.LoginResult{IsAuthenticated: isNewKey, Forward: forward}, nil
}

// verify redeems a verification token. Any failure, including a realm id
// mismatch, is reported as not authenticated.
func (s *LoginService) verify(ctx context.Context, token string) (*domain.LoginResult, error) {
	rejected := &domain.LoginResult{IsAuthenticated: false}

	client, err := s.webauthz.RealmClient(ctx)
	if err != nil {
		s.logger.Warn("Cannot verify login without realm access", zap.Error(err))
		metrics.RecordLoginOutcome(outcomeRejected)
		return rejected, nil
	}

	resp, err := client.VerifyLogin(ctx, token)
	if err != nil {
		s.logger.Info("Login verification failed", zap.Error(err))
		metrics.RecordLoginOutcome(outcomeRejected)
		return rejected, nil
	}

	realmID, err := s.webauthz.RealmID(ctx)
	if err != nil {
		return nil, err
	}
	if realmID == "" || resp.RealmID != realmID {
		s.logger.Warn("Rejected login verified for another realm", zap.String("realm_id", resp.RealmID))
		metrics.RecordLoginOutcome(outcomeRejected)
		return rejected, nil
	}

	user, err := s.users.GetByRealmScopedUserID(ctx, resp.RealmScopedUserID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("Verified login for unknown realm-scoped user")
		metrics.RecordLoginOutcome(outcomeRejected)
		return rejected, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !user.Binding.IsActivated {
		binding := domain.UserAuthBinding{
			RealmScopedUserID: resp.RealmScopedUserID,
			IsRegistered:      true,
			IsActivated:       true,
			IsConfirmed:       true,
		}
		if err := s.users.UpdateBinding(ctx, user.UUID, binding); err != nil {
			return nil, fmt.Errorf("failed to confirm registration: %w", err)
		}
		user.Binding = binding
		s.logger.Info("LoginShield registration confirmed", zap.String("user_id", user.UUID.String()))
	}

	sessionToken, _, err := s.sessions.Issue(user)
	if err != nil {
		return nil, err
	}

	metrics.RecordLoginOutcome(outcomeAuthenticated)
	s.logger.Info("User logged in with LoginShield", zap.String("user_id", user.UUID.String()))
	return &domain.LoginResult{
		IsAuthenticated: true,
		IsConfirmed:     true,
		User:            user,
		Token:           sessionToken,
	}, nil
}

// start begins a login for the account named by login
func (s *LoginService) start(ctx context.Context, login, redirectTo string) (*domain.LoginResult, error) {
	user, err := s.users.GetByLogin(ctx, login)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.RecordLoginOutcome(outcomeUnknownUser)
		return nil, ErrLoginRequired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	binding := user.Binding
	var isNewKey bool
	switch binding.State() {
	case domain.StateActivated:
	case domain.StateRegistered:
		// registered but never confirmed: finish linking the device
		isNewKey = true
	default:
		metrics.RecordLoginOutcome(outcomePasswordRequired)
		return &domain.LoginResult{Error: domain.LoginErrorPasswordRequired}, nil
	}

	forward, err := s.startLogin(ctx, binding.RealmScopedUserID, s.loginPageURL(redirectTo), isNewKey)
	if err != nil {
		return nil, err
	}
	return &domain.LoginResult{Forward: forward}, nil
}

func (s *LoginService) loginPageURL(redirectTo string) string {
	q := url.Values{}
	q.Set("mode", domain.ModeResumeLoginShield)
	q.Set("t", strconv.FormatInt(s.now().Unix(), 10))
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return s.cfg.Server.BaseURL + s.cfg.LoginShield.LoginPagePath + "?" + q.Encode()
}

func (s *LoginService) startLogin(ctx context.Context, rsuid, redirect string, isNewKey bool) (string, error) {
	client, err := s.webauthz.RealmClient(ctx)
	if err != nil {
		return "", err
	}
	resp, err := client.StartLogin(ctx, rsuid, redirect, isNewKey)
	if err != nil {
		return "", fmt.Errorf("failed to start login: %w", err)
	}
	if isNewKey {
		metrics.RecordLoginOutcome(outcomeDeviceLink)
	} else {
		metrics.RecordLoginOutcome(outcomeForward)
	}
	return resp.Forward, nil
}

// LoginWithPassword signs in with a local password. Accounts protected by
// LoginShield cannot use it.
func (s *LoginService) LoginWithPassword(ctx context.Context, login, password string) (*domain.LoginResult, error) {
	user, err := s.accounts.Authenticate(ctx, login, password)
	if err != nil {
		return nil, err
	}
	if user.Binding.IsActivated {
		return nil, ErrLoginShieldRequired
	}

	token, _, err := s.sessions.Issue(user)
	if err != nil {
		return nil, err
	}
	s.logger.Info("User logged in with password", zap.String("user_id", user.UUID.String()))
	return &domain.LoginResult{IsAuthenticated: true, User: user, Token: token}, nil
}
