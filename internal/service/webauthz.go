package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/logging"
	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
	"github.com/sirosfoundation/go-loginshield/pkg/realmclient"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
	"github.com/sirosfoundation/go-loginshield/pkg/webauthz"
)

var (
	ErrNoAccessToken      = errors.New("no access token")
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrNotWebauthz        = errors.New("realm service did not offer a webauthz challenge")

	ErrClientIDMismatch    = fmt.Errorf("%w: client id does not match stored client id", transport.ErrReplayOrForgery)
	ErrClientStateMismatch = fmt.Errorf("%w: client state does not match stored client state", transport.ErrReplayOrForgery)
	ErrExchangeTokenNeeded = errors.New("input grant_token or stored refresh_token is required")
)

var credentialKeys = []string{
	domain.KeyRealmID,
	domain.KeyAccessToken,
	domain.KeyAccessTokenNotAfter,
	domain.KeyRefreshToken,
	domain.KeyRefreshTokenNotAfter,
}

var protocolKeys = []string{
	domain.KeyRealm,
	domain.KeyScope,
	domain.KeyPath,
	domain.KeyDiscoveryURI,
	domain.KeyRegisterURI,
	domain.KeyRequestURI,
	domain.KeyExchangeURI,
	domain.KeyEndpointsSource,
	domain.KeyClientID,
	domain.KeyClientToken,
	domain.KeyClientState,
}

// AccessRequestResult is returned by StartAccessRequest. Exactly one of
// Redirect and Realm is set.
type AccessRequestResult struct {
	Redirect string
	Realm    json.RawMessage
}

// ExchangeRequest is the body of the grant redirect callback or a refresh call
type ExchangeRequest struct {
	ClientID     string `json:"client_id"`
	ClientState  string `json:"client_state"`
	GrantToken   string `json:"grant_token"`
	Refresh      bool   `json:"refresh"`
	RefreshToken string `json:"refresh_token"`
}

// WebauthzService obtains and maintains the site's access to its realm:
// discovery, client registration, access requests and token exchange.
type WebauthzService struct {
	settings storage.SettingsStore
	webauthz *webauthz.Client
	http     *transport.Client
	policy   *transport.EndpointPolicy
	cfg      *config.Config
	logger   *zap.Logger
	now      func() time.Time

	// refreshMu serializes refresh exchanges so one refresh token is not
	// presented twice by this process.
	refreshMu sync.Mutex
}

// NewWebauthzService creates a new WebauthzService
func NewWebauthzService(store storage.Store, http *transport.Client, cfg *config.Config, logger *zap.Logger) *WebauthzService {
	return &WebauthzService{
		settings: store.Settings(),
		webauthz: webauthz.NewClient(http, cfg.LoginShield.DiscoveryRetries, logger),
		http:     http,
		policy:   transport.NewEndpointPolicy(cfg.LoginShield.EndpointPolicy, logger),
		cfg:      cfg,
		logger:   logger.Named("webauthz-service"),
		now:      time.Now,
	}
}

func (s *WebauthzService) loadCredential(ctx context.Context) (domain.RealmCredential, error) {
	v, err := s.settings.GetMany(ctx, credentialKeys...)
	if err != nil {
		return domain.RealmCredential{}, fmt.Errorf("failed to load realm credential: %w", err)
	}
	return domain.RealmCredential{
		RealmID:              v[domain.KeyRealmID],
		AccessToken:          v[domain.KeyAccessToken],
		AccessTokenNotAfter:  domain.ParseUnix(v[domain.KeyAccessTokenNotAfter]),
		RefreshToken:         v[domain.KeyRefreshToken],
		RefreshTokenNotAfter: domain.ParseUnix(v[domain.KeyRefreshTokenNotAfter]),
	}, nil
}

type protocolState struct {
	request      domain.AccessRequestState
	endpoints    domain.WebauthzEndpoints
	registration domain.ClientRegistration
}

func (s *WebauthzService) loadProtocolState(ctx context.Context) (protocolState, error) {
	v, err := s.settings.GetMany(ctx, protocolKeys...)
	if err != nil {
		return protocolState{}, fmt.Errorf("failed to load webauthz state: %w", err)
	}
	return protocolState{
		request: domain.AccessRequestState{
			Realm:       v[domain.KeyRealm],
			Scope:       v[domain.KeyScope],
			Path:        v[domain.KeyPath],
			ClientState: v[domain.KeyClientState],
		},
		endpoints: domain.WebauthzEndpoints{
			DiscoveryURI: v[domain.KeyEndpointsSource],
			RegisterURI:  v[domain.KeyRegisterURI],
			RequestURI:   v[domain.KeyRequestURI],
			ExchangeURI:  v[domain.KeyExchangeURI],
		},
		registration: domain.ClientRegistration{
			ClientID:    v[domain.KeyClientID],
			ClientToken: v[domain.KeyClientToken],
		},
	}, nil
}

// recordChallenge stores the realm, scope, path and discovery URI of a
// webauthz challenge in one write.
func (s *WebauthzService) recordChallenge(ctx context.Context, ch webauthz.Challenge) error {
	err := s.settings.SetMany(ctx, map[string]string{
		domain.KeyRealm:        ch.Realm,
		domain.KeyScope:        ch.Scope,
		domain.KeyPath:         ch.Path,
		domain.KeyDiscoveryURI: ch.DiscoveryURI,
	})
	if err != nil {
		return fmt.Errorf("failed to store webauthz challenge: %w", err)
	}
	s.logger.Info("Recorded webauthz challenge",
		zap.String("realm", ch.Realm),
		zap.String("scope", ch.Scope),
		zap.String("discovery_uri", ch.DiscoveryURI))
	return nil
}

// realmClient builds a realm client bound to realmID and accessToken
func (s *WebauthzService) realmClient(realmID, accessToken string) *realmclient.Client {
	return realmclient.New(s.cfg.LoginShield.EndpointURL, realmID, accessToken, s.http, s.logger)
}

// RealmClient returns a realm client using a valid access token, refreshing
// it first when needed.
func (s *WebauthzService) RealmClient(ctx context.Context) (*realmclient.Client, error) {
	token, err := s.EnsureAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	realmID, err := s.settings.Get(ctx, domain.KeyRealmID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load realm id: %w", err)
	}
	return s.realmClient(realmID, token), nil
}

// RealmID returns the configured realm id, or "" if none is stored
func (s *WebauthzService) RealmID(ctx context.Context) (string, error) {
	realmID, err := s.settings.Get(ctx, domain.KeyRealmID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return realmID, err
}

// EnsureAccessToken returns the stored access token. An expired access token
// is refreshed once if the refresh token is still valid.
func (s *WebauthzService) EnsureAccessToken(ctx context.Context) (string, error) {
	cred, err := s.loadCredential(ctx)
	if err != nil {
		return "", err
	}
	if cred.AccessToken == "" {
		return "", ErrNoAccessToken
	}
	if cred.AccessTokenValid(s.now()) {
		return cred.AccessToken, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// another request may have refreshed while we waited
	cred, err = s.loadCredential(ctx)
	if err != nil {
		return "", err
	}
	now := s.now()
	if cred.AccessTokenValid(now) {
		return cred.AccessToken, nil
	}
	if !cred.RefreshTokenValid(now) {
		return "", ErrAccessTokenExpired
	}

	state, err := s.loadProtocolState(ctx)
	if err != nil {
		return "", err
	}
	if state.endpoints.ExchangeURI == "" {
		return "", fmt.Errorf("%w: no exchange endpoint for refresh", ErrAccessTokenExpired)
	}

	s.logger.Info("Refreshing realm access token")
	ts, err := s.webauthz.ExchangeToken(ctx, state.endpoints.ExchangeURI, webauthz.ExchangeRefresh,
		cred.RefreshToken, state.registration.ClientToken)
	metrics.RecordExchange(string(webauthz.ExchangeRefresh), err)
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}
	if err := s.storeTokens(ctx, ts); err != nil {
		return "", err
	}
	return ts.AccessToken, nil
}

// storeTokens writes the four-token tuple in one atomic write
func (s *WebauthzService) storeTokens(ctx context.Context, ts *webauthz.TokenSet) error {
	now := s.now()
	cred := domain.RealmCredential{
		AccessToken:          ts.AccessToken,
		AccessTokenNotAfter:  ts.AccessNotAfter(now),
		RefreshToken:         ts.RefreshToken,
		RefreshTokenNotAfter: ts.RefreshNotAfter(now),
	}
	if err := s.settings.SetMany(ctx, cred.TokenTuple()); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	s.logger.Info("Stored realm access token",
		logging.Secret("access_token", cred.AccessToken),
		zap.Time("access_token_not_after", cred.AccessTokenNotAfter),
		zap.Time("refresh_token_not_after", cred.RefreshTokenNotAfter))
	return nil
}

// StartAccessRequest asks the realm service for the site's realm without
// credentials. If the realm is already accessible its record is returned;
// otherwise the webauthz challenge is followed through discovery, client
// registration and an access request, and the returned redirect must be
// opened by the administrator's browser.
func (s *WebauthzService) StartAccessRequest(ctx context.Context) (*AccessRequestResult, error) {
	info, err := s.realmClient("", "").FetchRealmByURL(ctx, s.cfg.Server.BaseURL)
	if err == nil {
		return &AccessRequestResult{Realm: info.Payload}, nil
	}

	var ce *realmclient.ChallengeError
	if !errors.As(err, &ce) {
		return nil, err
	}
	if !ce.Challenge.IsWebauthz {
		return nil, fmt.Errorf("%w: %v", ErrNotWebauthz, err)
	}
	if err := s.policy.Check(ce.Challenge.DiscoveryURI); err != nil {
		return nil, err
	}
	if err := s.recordChallenge(ctx, ce.Challenge); err != nil {
		return nil, err
	}

	state, err := s.loadProtocolState(ctx)
	if err != nil {
		return nil, err
	}

	endpoints, err := s.discover(ctx, state.endpoints, ce.Challenge.DiscoveryURI)
	if err != nil {
		return nil, err
	}

	existing := state.registration
	if state.endpoints.DiscoveryURI != "" && state.endpoints.DiscoveryURI != endpoints.DiscoveryURI {
		// the client token belongs to the previous authorization server
		existing = domain.ClientRegistration{}
	}

	registration, err := s.register(ctx, endpoints.RegisterURI, existing)
	if err != nil {
		return nil, err
	}

	clientState, err := webauthz.GenerateClientState()
	if err != nil {
		return nil, err
	}
	if err := s.settings.Set(ctx, domain.KeyClientState, clientState); err != nil {
		return nil, fmt.Errorf("failed to store client state: %w", err)
	}

	resp, err := s.webauthz.RequestAccess(ctx, endpoints.RequestURI, webauthz.AccessRequest{
		Realm:       ce.Challenge.Realm,
		Scope:       ce.Challenge.Scope,
		ClientState: clientState,
	}, registration.ClientToken)
	if err != nil {
		return nil, fmt.Errorf("access request failed: %w", err)
	}

	s.logger.Info("Started webauthz access request",
		zap.String("realm", ce.Challenge.Realm),
		zap.String("client_id", registration.ClientID))
	return &AccessRequestResult{Redirect: resp.Redirect}, nil
}

// discover returns cached endpoints unless they are incomplete or were
// discovered from a different URI.
func (s *WebauthzService) discover(ctx context.Context, cached domain.WebauthzEndpoints, discoveryURI string) (domain.WebauthzEndpoints, error) {
	if cached.Complete() && cached.DiscoveryURI == discoveryURI {
		return cached, nil
	}

	d, err := s.webauthz.FetchDiscovery(ctx, discoveryURI)
	if err != nil {
		return domain.WebauthzEndpoints{}, fmt.Errorf("discovery failed: %w", err)
	}
	if err := s.policy.CheckAll(d.RegisterURI, d.RequestURI, d.ExchangeURI); err != nil {
		return domain.WebauthzEndpoints{}, err
	}

	endpoints := domain.WebauthzEndpoints{
		DiscoveryURI: discoveryURI,
		RegisterURI:  d.RegisterURI,
		RequestURI:   d.RequestURI,
		ExchangeURI:  d.ExchangeURI,
	}
	err = s.settings.SetMany(ctx, map[string]string{
		domain.KeyEndpointsSource: discoveryURI,
		domain.KeyRegisterURI:     endpoints.RegisterURI,
		domain.KeyRequestURI:      endpoints.RequestURI,
		domain.KeyExchangeURI:     endpoints.ExchangeURI,
	})
	if err != nil {
		return domain.WebauthzEndpoints{}, fmt.Errorf("failed to store webauthz endpoints: %w", err)
	}
	return endpoints, nil
}

// register creates a client registration, or updates the existing one by
// presenting its client token.
func (s *WebauthzService) register(ctx context.Context, registerURI string, existing domain.ClientRegistration) (domain.ClientRegistration, error) {
	var bearer string
	if existing.Registered() {
		bearer = existing.ClientToken
	}

	reg, err := s.webauthz.RegisterClient(ctx, registerURI, webauthz.RegisterRequest{
		ClientName:       s.cfg.LoginShield.ClientName,
		ClientVersion:    s.cfg.LoginShield.ClientVersion,
		GrantRedirectURI: s.cfg.Server.BaseURL + s.cfg.LoginShield.GrantRedirectPath,
	}, bearer)
	if err != nil {
		return domain.ClientRegistration{}, fmt.Errorf("client registration failed: %w", err)
	}

	updated := existing
	values := map[string]string{}
	if reg.ClientID != "" {
		updated.ClientID = reg.ClientID
		values[domain.KeyClientID] = reg.ClientID
	}
	if reg.ClientToken != "" {
		updated.ClientToken = reg.ClientToken
		values[domain.KeyClientToken] = reg.ClientToken
	}
	if err := s.settings.SetMany(ctx, values); err != nil {
		return domain.ClientRegistration{}, fmt.Errorf("failed to store client registration: %w", err)
	}
	return updated, nil
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Exchange completes an access request with the grant token from the
// redirect callback, or refreshes the access token. The client id must match
// the stored registration, and for grants the client state must match the
// pending request. Nothing is written when either check fails.
func (s *WebauthzService) Exchange(ctx context.Context, req ExchangeRequest) error {
	state, err := s.loadProtocolState(ctx)
	if err != nil {
		return err
	}

	stored := state.registration.ClientID
	if stored == "" || !equalSecret(req.ClientID, stored) {
		s.logger.Warn("Rejected token exchange with unknown client id")
		return ErrClientIDMismatch
	}

	storedState := state.request.ClientState
	switch {
	case req.GrantToken != "":
		if storedState == "" || !equalSecret(req.ClientState, storedState) {
			s.logger.Warn("Rejected token exchange with mismatched client state")
			return ErrClientStateMismatch
		}
		return s.exchangeGrant(ctx, state, req.GrantToken)

	case req.Refresh:
		if req.ClientState != "" && !equalSecret(req.ClientState, storedState) {
			s.logger.Warn("Rejected token refresh with mismatched client state")
			return ErrClientStateMismatch
		}
		token := req.RefreshToken
		if token == "" {
			cred, err := s.loadCredential(ctx)
			if err != nil {
				return err
			}
			token = cred.RefreshToken
		}
		if token == "" {
			return ErrExchangeTokenNeeded
		}
		return s.exchangeRefresh(ctx, state, token)

	default:
		return ErrExchangeTokenNeeded
	}
}

// exchangeGrant claims the client state before the exchange so that two
// concurrent callbacks cannot both use it. The claim is undone if the
// exchange fails.
func (s *WebauthzService) exchangeGrant(ctx context.Context, state protocolState, grantToken string) error {
	nonce := state.request.ClientState
	ok, err := s.settings.CompareAndSet(ctx, domain.KeyClientState, nonce, "")
	if err != nil {
		return fmt.Errorf("failed to claim client state: %w", err)
	}
	if !ok {
		return ErrClientStateMismatch
	}

	ts, err := s.webauthz.ExchangeToken(ctx, state.endpoints.ExchangeURI, webauthz.ExchangeGrant,
		grantToken, state.registration.ClientToken)
	metrics.RecordExchange(string(webauthz.ExchangeGrant), err)
	if err == nil {
		err = s.storeTokens(ctx, ts)
	}
	if err != nil {
		if _, rerr := s.settings.CompareAndSet(ctx, domain.KeyClientState, "", nonce); rerr != nil {
			s.logger.Error("Failed to restore client state", zap.Error(rerr))
		}
		return err
	}

	s.logger.Info("Completed webauthz grant exchange", zap.String("client_id", state.registration.ClientID))
	return nil
}

func (s *WebauthzService) exchangeRefresh(ctx context.Context, state protocolState, refreshToken string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	ts, err := s.webauthz.ExchangeToken(ctx, state.endpoints.ExchangeURI, webauthz.ExchangeRefresh,
		refreshToken, state.registration.ClientToken)
	metrics.RecordExchange(string(webauthz.ExchangeRefresh), err)
	if err != nil {
		return err
	}
	return s.storeTokens(ctx, ts)
}

// Phase derives the protocol phase from stored state
func (s *WebauthzService) Phase(ctx context.Context) (domain.Phase, error) {
	state, err := s.loadProtocolState(ctx)
	if err != nil {
		return "", err
	}
	cred, err := s.loadCredential(ctx)
	if err != nil {
		return "", err
	}

	now := s.now()
	switch {
	case cred.AccessToken != "" && cred.AccessTokenValid(now):
		return domain.PhaseGranted, nil
	case cred.AccessToken != "" && cred.RefreshTokenValid(now):
		return domain.PhaseRefreshing, nil
	case cred.AccessToken != "":
		return domain.PhaseExpired, nil
	case !state.registration.Registered():
		return domain.PhaseUnregistered, nil
	case state.request.ClientState != "":
		return domain.PhaseAccessRequested, nil
	default:
		return domain.PhaseRegistered, nil
	}
}
