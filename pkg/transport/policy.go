package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

// ErrEndpointBlocked is returned for a remote-supplied URL that the endpoint
// policy does not allow.
var ErrEndpointBlocked = errors.New("endpoint blocked by policy")

// EndpointPolicy validates URLs learned from remote responses, such as the
// discovery URI in a challenge and the endpoints in a discovery document,
// before they are contacted.
//
// Security model:
//   - RequireHTTPS is the primary defense. Cloud metadata endpoints and internal
//     services don't have valid TLS certificates, so requiring HTTPS blocks most SSRF.
//   - BlockLoopback prevents access to local services.
//   - BlockLinkLocal prevents access to cloud metadata services (169.254.169.254).
//   - BlockRFC1918 is defense-in-depth but can be bypassed via DNS rebinding.
type EndpointPolicy struct {
	cfg    config.EndpointPolicyConfig
	logger *zap.Logger
}

// NewEndpointPolicy creates a new endpoint policy
func NewEndpointPolicy(cfg config.EndpointPolicyConfig, logger *zap.Logger) *EndpointPolicy {
	return &EndpointPolicy{
		cfg:    cfg,
		logger: logger.Named("endpoint-policy"),
	}
}

// Check returns nil if rawURL may be contacted, or an error wrapping
// ErrEndpointBlocked describing why not.
func (p *EndpointPolicy) Check(rawURL string) error {
	if err := p.check(rawURL); err != nil {
		p.logger.Warn("Blocked remote-supplied endpoint",
			zap.String("url", rawURL),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrEndpointBlocked, err)
	}
	return nil
}

func (p *EndpointPolicy) check(rawURL string) error {
	if p == nil || !p.cfg.Enabled {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("only HTTP(S) URLs allowed, got %q", scheme)
	}
	if p.cfg.RequireHTTPS && scheme != "https" {
		return errors.New("HTTPS required")
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return errors.New("empty host")
	}

	for _, blocked := range p.cfg.BlockedHosts {
		if strings.EqualFold(hostname, blocked) {
			return fmt.Errorf("host %q is blocked", hostname)
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if p.cfg.BlockLoopback && ip.IsLoopback() {
			return errors.New("loopback addresses are blocked")
		}
		if p.cfg.BlockLinkLocal && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
			return errors.New("link-local addresses are blocked")
		}
		if p.cfg.BlockRFC1918 && ip.IsPrivate() {
			return errors.New("private addresses are blocked")
		}
		if ip.IsUnspecified() {
			return errors.New("unspecified address")
		}
	} else if p.cfg.BlockLoopback && isLocalhostName(hostname) {
		return errors.New("localhost is blocked")
	}

	return nil
}

// CheckAll checks each URL in turn and returns the first failure
func (p *EndpointPolicy) CheckAll(urls ...string) error {
	for _, u := range urls {
		if err := p.Check(u); err != nil {
			return err
		}
	}
	return nil
}

func isLocalhostName(hostname string) bool {
	h := strings.ToLower(strings.TrimSuffix(hostname, "."))
	return h == "localhost" ||
		h == "localhost.localdomain" ||
		strings.HasSuffix(h, ".localhost")
}
