package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/realmclient"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
)

// Realm status error codes
const (
	RealmErrorNoAccessToken      = "no-access-token"
	RealmErrorAccessTokenExpired = "access-token-expired"
	RealmErrorFetchFailed        = "fetch-failed"
	RealmErrorUnknownIssue       = "unknown-issue"
)

const (
	msgSetupSubscription = "Set up your free trial or manage your subscription."
	msgReady             = "You are ready to use LoginShield."
)

// RealmStatus is the result of a realm check. Error is set for conditions
// the administrator can fix from the settings page.
type RealmStatus struct {
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
	RealmID string `json:"realmId,omitempty"`
}

// RealmService checks that the site can manage its realm
type RealmService struct {
	settings storage.SettingsStore
	webauthz *WebauthzService
	cfg      *config.Config
	logger   *zap.Logger
}

// NewRealmService creates a new RealmService
func NewRealmService(store storage.Store, wz *WebauthzService, cfg *config.Config, logger *zap.Logger) *RealmService {
	return &RealmService{
		settings: store.Settings(),
		webauthz: wz,
		cfg:      cfg,
		logger:   logger.Named("realm-service"),
	}
}

// Status fetches the realm with the stored access token, by realm id when
// one is known and by site URL otherwise. A returned error means the realm
// service could not be reached.
func (s *RealmService) Status(ctx context.Context) (*RealmStatus, error) {
	client, err := s.webauthz.RealmClient(ctx)
	switch {
	case errors.Is(err, ErrNoAccessToken):
		return &RealmStatus{Error: RealmErrorNoAccessToken, Message: msgSetupSubscription}, nil
	case errors.Is(err, ErrAccessTokenExpired):
		return &RealmStatus{Error: RealmErrorAccessTokenExpired, Message: msgSetupSubscription}, nil
	case err != nil && transport.IsTransport(err):
		return nil, err
	case err != nil:
		// the refresh was rejected; the administrator must request access again
		s.logger.Warn("Failed to obtain realm access token", zap.Error(err))
		return &RealmStatus{Error: RealmErrorAccessTokenExpired, Message: msgSetupSubscription}, nil
	}

	realmID, err := s.webauthz.RealmID(ctx)
	if err != nil {
		return nil, err
	}

	var info *realmclient.RealmInfo
	if realmID != "" {
		info, err = client.FetchRealmByID(ctx, realmID)
	} else {
		info, err = client.FetchRealmByURL(ctx, s.cfg.Server.BaseURL)
	}
	if err != nil {
		return s.fetchFailed(ctx, err)
	}

	if info.ID == "" {
		return &RealmStatus{Error: RealmErrorUnknownIssue, Message: msgSetupSubscription}, nil
	}
	if info.ID != realmID {
		if err := s.settings.Set(ctx, domain.KeyRealmID, info.ID); err != nil {
			return nil, fmt.Errorf("failed to store realm id: %w", err)
		}
		s.logger.Info("Realm id updated", zap.String("realm_id", info.ID))
	}

	return &RealmStatus{Status: "success", Message: msgReady, RealmID: info.ID}, nil
}

func (s *RealmService) fetchFailed(ctx context.Context, err error) (*RealmStatus, error) {
	if transport.IsTransport(err) {
		return nil, err
	}

	var ce *realmclient.ChallengeError
	if errors.As(err, &ce) && ce.Challenge.IsWebauthz {
		if rerr := s.webauthz.recordChallenge(ctx, ce.Challenge); rerr != nil {
			return nil, rerr
		}
	}

	s.logger.Warn("Realm fetch failed", zap.Error(err))
	return &RealmStatus{Error: RealmErrorFetchFailed, Message: msgSetupSubscription}, nil
}
