package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Storage     StorageConfig     `yaml:"storage" envconfig:"STORAGE"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	JWT         JWTConfig         `yaml:"jwt" envconfig:"JWT"`
	LoginShield LoginShieldConfig `yaml:"loginshield" envconfig:"LOGINSHIELD"`
	Security    SecurityConfig    `yaml:"security" envconfig:"SECURITY"`
	Metrics     MetricsConfig     `yaml:"metrics" envconfig:"METRICS"`
}

// MetricsConfig controls prometheus metric recording
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host       string     `yaml:"host" envconfig:"HOST"`
	Port       int        `yaml:"port" envconfig:"PORT"`
	AdminPort  int        `yaml:"admin_port" envconfig:"ADMIN_PORT"`   // Internal admin API port (0 to disable)
	AdminToken string     `yaml:"admin_token" envconfig:"ADMIN_TOKEN"` // Bearer token for admin API (auto-generated if empty)
	BaseURL    string     `yaml:"base_url" envconfig:"BASE_URL"`       // Public URL of this site, used as the realm URI
	CORS       CORSConfig `yaml:"cors" envconfig:"CORS"`
}

// CORSConfig contains CORS settings for the public router
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, mongodb, redis
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
	Redis   RedisConfig   `yaml:"redis" envconfig:"REDIS"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address   string `yaml:"address" envconfig:"ADDRESS"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// JWTConfig contains configuration for the relying-party session tokens
type JWTConfig struct {
	Secret      string `yaml:"secret" envconfig:"SECRET"`
	ExpiryHours int    `yaml:"expiry_hours" envconfig:"EXPIRY_HOURS"`
	Issuer      string `yaml:"issuer" envconfig:"ISSUER"`
	CookieName  string `yaml:"cookie_name" envconfig:"COOKIE_NAME"`
}

// LoginShieldConfig contains settings for the remote authentication service
type LoginShieldConfig struct {
	// EndpointURL is the base URL of the realm service. Forward URLs returned by
	// the service must start with this value.
	EndpointURL string `yaml:"endpoint_url" envconfig:"ENDPOINT_URL"`
	// ClientName is reported to the authorization server during client registration.
	ClientName string `yaml:"client_name" envconfig:"CLIENT_NAME"`
	// ClientVersion is reported alongside ClientName.
	ClientVersion string `yaml:"client_version" envconfig:"CLIENT_VERSION"`
	// HTTPTimeoutSeconds bounds every outbound request.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds" envconfig:"HTTP_TIMEOUT_SECONDS"`
	// DiscoveryRetries is the maximum number of attempts for discovery GETs.
	DiscoveryRetries int `yaml:"discovery_retries" envconfig:"DISCOVERY_RETRIES"`
	// CACertPath optionally adds a PEM bundle to the trusted roots.
	CACertPath string `yaml:"ca_cert_path" envconfig:"CA_CERT_PATH"`
	// GrantRedirectPath is where the authorization server sends the admin after granting access.
	GrantRedirectPath string `yaml:"grant_redirect_path" envconfig:"GRANT_REDIRECT_PATH"`
	// LoginPagePath is the login page that resumes a LoginShield login.
	LoginPagePath string `yaml:"login_page_path" envconfig:"LOGIN_PAGE_PATH"`
	// ProfilePagePath is the profile page that resumes activation.
	ProfilePagePath string `yaml:"profile_page_path" envconfig:"PROFILE_PAGE_PATH"`
	// EndpointPolicy restricts the authorization server URLs learned from challenges and discovery.
	EndpointPolicy EndpointPolicyConfig `yaml:"endpoint_policy" envconfig:"ENDPOINT_POLICY"`
}

// EndpointPolicyConfig configures which remote-supplied URLs may be contacted
type EndpointPolicyConfig struct {
	Enabled        bool     `yaml:"enabled" envconfig:"ENABLED"`
	RequireHTTPS   bool     `yaml:"require_https" envconfig:"REQUIRE_HTTPS"`
	BlockLoopback  bool     `yaml:"block_loopback" envconfig:"BLOCK_LOOPBACK"`
	BlockRFC1918   bool     `yaml:"block_rfc1918" envconfig:"BLOCK_RFC1918"`
	BlockLinkLocal bool     `yaml:"block_link_local" envconfig:"BLOCK_LINK_LOCAL"`
	BlockedHosts   []string `yaml:"blocked_hosts" envconfig:"BLOCKED_HOSTS"`
}

// SecurityConfig contains security-related settings
type SecurityConfig struct {
	AuthRateLimit  AuthRateLimitConfig  `yaml:"auth_rate_limit" envconfig:"AUTH_RATE_LIMIT"`
	TokenBlacklist TokenBlacklistConfig `yaml:"token_blacklist" envconfig:"TOKEN_BLACKLIST"`
}

// AuthRateLimitConfig configures rate limiting on login endpoints
type AuthRateLimitConfig struct {
	Enabled        bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxAttempts    int  `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	WindowSeconds  int  `yaml:"window_seconds" envconfig:"WINDOW_SECONDS"`
	LockoutSeconds int  `yaml:"lockout_seconds" envconfig:"LOCKOUT_SECONDS"`
}

// SetDefaults fills zero values with defaults
func (c *AuthRateLimitConfig) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
	if c.LockoutSeconds <= 0 {
		c.LockoutSeconds = 300
	}
}

// TokenBlacklistConfig configures revocation of session tokens on logout
type TokenBlacklistConfig struct {
	Enabled                bool `yaml:"enabled" envconfig:"ENABLED"`
	CleanupIntervalSeconds int  `yaml:"cleanup_interval_seconds" envconfig:"CLEANUP_INTERVAL_SECONDS"`
}

// SetDefaults fills zero values with defaults
func (c *TokenBlacklistConfig) SetDefaults() {
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = 300
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("LOGINSHIELD", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Set BaseURL if not provided
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	cfg.Server.BaseURL = strings.TrimSuffix(cfg.Server.BaseURL, "/")
	cfg.LoginShield.EndpointURL = strings.TrimSuffix(cfg.LoginShield.EndpointURL, "/")

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with defaults only. Useful for tests.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			AdminPort: 8081,
		},
		Storage: StorageConfig{
			Type: "memory",
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "loginshield",
				Timeout:  10,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "loginshield:",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		JWT: JWTConfig{
			ExpiryHours: 24,
			Issuer:      "go-loginshield",
			CookieName:  "loginshield_session",
		},
		LoginShield: LoginShieldConfig{
			EndpointURL:        "https://loginshield.com",
			ClientName:         "LoginShield for Go",
			ClientVersion:      "1.0.0",
			HTTPTimeoutSeconds: 10,
			DiscoveryRetries:   3,
			GrantRedirectPath:  "/admin/loginshield",
			LoginPagePath:      "/login",
			ProfilePagePath:    "/account/profile",
			EndpointPolicy: EndpointPolicyConfig{
				Enabled:        true,
				RequireHTTPS:   true,
				BlockLoopback:  true,
				BlockRFC1918:   true,
				BlockLinkLocal: true,
				BlockedHosts:   []string{"metadata.google.internal"},
			},
		},
		Security: SecurityConfig{
			AuthRateLimit: AuthRateLimitConfig{
				Enabled:        true,
				MaxAttempts:    10,
				WindowSeconds:  60,
				LockoutSeconds: 300,
			},
			TokenBlacklist: TokenBlacklistConfig{
				Enabled:                true,
				CleanupIntervalSeconds: 300,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Type {
	case "memory", "mongodb", "redis":
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, mongodb, or redis)", c.Storage.Type)
	}

	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("mongodb uri is required when using mongodb storage")
	}

	if c.Storage.Type == "redis" && c.Storage.Redis.Address == "" {
		return fmt.Errorf("redis address is required when using redis storage")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	u, err := url.Parse(c.LoginShield.EndpointURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid loginshield endpoint_url: %q", c.LoginShield.EndpointURL)
	}

	if c.LoginShield.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("loginshield http_timeout_seconds must be positive")
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AdminAddress returns the admin server address
func (c *ServerConfig) AdminAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.AdminPort)
}
