package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/webauthz"
)

var (
	ErrRegistrationIncomplete = errors.New("must complete registration to activate")
	ErrRegistrationFailed     = errors.New("registration failed")
	ErrUnexpectedRegistration = errors.New("unexpected reply from registration")
	ErrForbidden              = errors.New("forbidden")
	ErrIDSpaceExhausted       = errors.New("could not allocate a unique realm-scoped user id")
)

const (
	// RealmScopedUserIDAlphabet omits characters that are easily confused
	// when read aloud (l, o, I, O).
	RealmScopedUserIDAlphabet = "0123456789abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"
	RealmScopedUserIDLength   = 16

	maxClaimAttempts = 10

	continueRegistrationPath = "/account/loginshield/continue-registration"
)

// RegisterResult is returned by Register. Forward is set when the user must
// continue in the realm service.
type RegisterResult struct {
	Forward  string `json:"forward,omitempty"`
	IsEdited bool   `json:"isEdited,omitempty"`
}

// ResetResult is returned by Reset
type ResetResult struct {
	IsEdited  bool `json:"isEdited"`
	IsDeleted bool `json:"isDeleted"`
}

// AccountService manages the link between local users and realm-scoped users
type AccountService struct {
	users    storage.UserStore
	webauthz *WebauthzService
	cfg      *config.Config
	logger   *zap.Logger

	// newID is replaced in tests to force collisions
	newID func() (string, error)
}

// NewAccountService creates a new AccountService
func NewAccountService(store storage.Store, wz *WebauthzService, cfg *config.Config, logger *zap.Logger) *AccountService {
	return &AccountService{
		users:    store.Users(),
		webauthz: wz,
		cfg:      cfg,
		logger:   logger.Named("account-service"),
		newID:    NewRealmScopedUserID,
	}
}

// NewRealmScopedUserID returns a random realm-scoped user id
func NewRealmScopedUserID() (string, error) {
	return webauthz.RandomString(RealmScopedUserIDLength, RealmScopedUserIDAlphabet)
}

func (s *AccountService) getUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Register creates a realm-scoped user for a local user that has none. A
// registered user is sent to continue the existing registration. A user
// holding an id whose realm user was never confirmed as created resumes
// with that id.
func (s *AccountService) Register(ctx context.Context, userID domain.UserID) (*RegisterResult, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Binding.HasRealmUser() && user.Binding.IsRegistered {
		return s.continueRegistration(), nil
	}

	client, err := s.webauthz.RealmClient(ctx)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("user_id", userID.String()))

	rsuid := user.Binding.RealmScopedUserID
	resumed := rsuid != ""
	if resumed {
		logger.Info("Resuming interrupted registration")
	} else {
		rsuid, err = s.claimID(ctx, userID)
		if errors.Is(err, storage.ErrConflict) {
			// a concurrent request assigned an id first
			return s.continueRegistration(), nil
		}
		if err != nil {
			return nil, err
		}
	}

	// a resumed id stays assigned on failure so the next attempt reuses it
	fail := func() {
		if !resumed {
			s.release(ctx, userID)
		}
	}

	resp, err := client.CreateRealmUser(ctx, rsuid, user.Name(), user.Email, true)
	if err != nil {
		logger.Error("Realm user creation failed", zap.Error(err))
		fail()
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if !resp.IsCreated {
		logger.Error("Realm user was not created")
		fail()
		return nil, ErrUnexpectedRegistration
	}

	binding := domain.UserAuthBinding{RealmScopedUserID: rsuid, IsRegistered: true}
	if err := s.users.UpdateBinding(ctx, userID, binding); err != nil {
		return nil, fmt.Errorf("failed to store registration: %w", err)
	}

	logger.Info("Registered realm-scoped user", zap.Bool("forward", resp.Forward != ""))
	if resp.Forward != "" {
		return &RegisterResult{Forward: resp.Forward}, nil
	}
	return &RegisterResult{IsEdited: true}, nil
}

func (s *AccountService) continueRegistration() *RegisterResult {
	return &RegisterResult{Forward: s.cfg.Server.BaseURL + continueRegistrationPath}
}

// claimID allocates a fresh realm-scoped user id for userID, retrying on
// collision with another user.
func (s *AccountService) claimID(ctx context.Context, userID domain.UserID) (string, error) {
	for i := 0; i < maxClaimAttempts; i++ {
		rsuid, err := s.newID()
		if err != nil {
			return "", err
		}
		err = s.users.ClaimRealmScopedUserID(ctx, userID, rsuid)
		if err == nil {
			return rsuid, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return "", err
		}
		s.logger.Debug("Realm-scoped user id collision", zap.Int("attempt", i+1))
	}
	return "", ErrIDSpaceExhausted
}

func (s *AccountService) release(ctx context.Context, userID domain.UserID) {
	if err := s.users.ClearBinding(ctx, userID); err != nil {
		s.logger.Error("Failed to release realm-scoped user id",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// ToggleSecurity turns LoginShield on or off for a user. Only registered and
// confirmed users can turn it on; for anyone else it is forced off and
// ErrRegistrationIncomplete is returned.
func (s *AccountService) ToggleSecurity(ctx context.Context, userID domain.UserID, isActive bool) (bool, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return false, err
	}

	binding := user.Binding
	complete := binding.IsRegistered && binding.IsConfirmed
	binding.IsActivated = complete && isActive
	if err := s.users.UpdateBinding(ctx, userID, binding); err != nil {
		return false, fmt.Errorf("failed to update binding: %w", err)
	}

	if !complete {
		return false, ErrRegistrationIncomplete
	}
	s.logger.Info("LoginShield security updated",
		zap.String("user_id", userID.String()),
		zap.Bool("is_active", binding.IsActivated))
	return binding.IsActivated, nil
}

// Reset removes a user's realm registration. The actor must be the target
// user or an administrator. The remote delete is best effort; the local
// binding is always cleared.
func (s *AccountService) Reset(ctx context.Context, actor *domain.User, targetID domain.UserID) (*ResetResult, error) {
	if actor == nil || (actor.UUID != targetID && !actor.IsAdmin) {
		return nil, ErrForbidden
	}
	return s.reset(ctx, targetID, zap.String("actor_id", actor.UUID.String()))
}

// ResetByOperator is Reset on behalf of the operator holding the admin API
// token.
func (s *AccountService) ResetByOperator(ctx context.Context, targetID domain.UserID) (*ResetResult, error) {
	return s.reset(ctx, targetID, zap.String("actor_id", "operator"))
}

func (s *AccountService) reset(ctx context.Context, targetID domain.UserID, actor zap.Field) (*ResetResult, error) {
	target, err := s.getUser(ctx, targetID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("user_id", targetID.String()), actor)

	result := &ResetResult{IsEdited: true}
	if rsuid := target.Binding.RealmScopedUserID; rsuid != "" {
		if err := s.deleteRealmUser(ctx, rsuid, result); err != nil {
			logger.Warn("Failed to delete realm-scoped user", zap.Error(err))
		}
	}

	if err := s.users.ClearBinding(ctx, targetID); err != nil {
		return nil, fmt.Errorf("failed to clear binding: %w", err)
	}
	logger.Info("Account reset", zap.Bool("is_deleted", result.IsDeleted))
	return result, nil
}

func (s *AccountService) deleteRealmUser(ctx context.Context, rsuid string, result *ResetResult) error {
	client, err := s.webauthz.RealmClient(ctx)
	if err != nil {
		return err
	}
	resp, err := client.DeleteRealmUser(ctx, rsuid)
	if err != nil {
		return err
	}
	result.IsDeleted = resp.IsDeleted
	return nil
}

// CheckUserWithLogin reports whether the account named by login has
// LoginShield activated. Unknown accounts report false.
func (s *AccountService) CheckUserWithLogin(ctx context.Context, login string) (bool, error) {
	user, err := s.users.GetByLogin(ctx, login)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get user: %w", err)
	}
	return user.Binding.IsActivated, nil
}
