package transport

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

func strictPolicy() config.EndpointPolicyConfig {
	return config.Default().LoginShield.EndpointPolicy
}

func TestEndpointPolicy_RequireHTTPS(t *testing.T) {
	p := NewEndpointPolicy(strictPolicy(), zap.NewNop())

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https allowed", "https://as.example.com/webauthz/discovery", false},
		{"http blocked", "http://as.example.com/webauthz/discovery", true},
		{"https with port", "https://as.example.com:8443/discovery", false},
		{"https with query", "https://as.example.com/discovery?v=1", false},
		{"other scheme", "ftp://as.example.com/discovery", true},
		{"javascript", "javascript:alert(1)", true},
		{"empty host", "https:///discovery", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrEndpointBlocked) {
				t.Errorf("Check(%q) error = %v, want ErrEndpointBlocked", tt.url, err)
			}
		})
	}
}

func TestEndpointPolicy_Addresses(t *testing.T) {
	cfg := strictPolicy()
	cfg.RequireHTTPS = false
	p := NewEndpointPolicy(cfg, zap.NewNop())

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public IP", "http://8.8.8.8/discovery", false},
		{"public host", "http://as.example.com/discovery", false},
		{"loopback v4", "http://127.0.0.1:8080/discovery", true},
		{"loopback v6", "http://[::1]/discovery", true},
		{"localhost", "http://localhost/discovery", true},
		{"localhost subdomain", "http://as.localhost/discovery", true},
		{"cloud metadata", "http://169.254.169.254/latest", true},
		{"metadata hostname", "http://metadata.google.internal/x", true},
		{"rfc1918 10/8", "http://10.1.2.3/discovery", true},
		{"rfc1918 172.16/12", "http://172.20.0.1/discovery", true},
		{"rfc1918 192.168/16", "http://192.168.1.1/discovery", true},
		{"172.32 is public", "http://172.32.0.1/discovery", false},
		{"unspecified", "http://0.0.0.0/discovery", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestEndpointPolicy_Disabled(t *testing.T) {
	p := NewEndpointPolicy(config.EndpointPolicyConfig{Enabled: false}, zap.NewNop())

	for _, u := range []string{"http://127.0.0.1/x", "http://169.254.169.254/", "ftp://x"} {
		if err := p.Check(u); err != nil {
			t.Errorf("Check(%q) error = %v, want nil when disabled", u, err)
		}
	}
}

func TestEndpointPolicy_CheckAll(t *testing.T) {
	p := NewEndpointPolicy(strictPolicy(), zap.NewNop())

	if err := p.CheckAll("https://a.example/1", "https://b.example/2"); err != nil {
		t.Errorf("CheckAll() error = %v", err)
	}
	if err := p.CheckAll("https://a.example/1", "http://127.0.0.1/2"); !errors.Is(err, ErrEndpointBlocked) {
		t.Errorf("CheckAll() error = %v, want ErrEndpointBlocked", err)
	}
}
