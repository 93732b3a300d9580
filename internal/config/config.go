package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all agent configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	Session   SessionConfig
	Browser   BrowserConfig
	RateLimit RateLimitConfig

	Portals []string `envconfig:"ENABLED_PORTALS" default:"ddma,dentaquest,deltains,unitedsco"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"5002"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// SessionConfig holds OTP and session lifetime settings.
type SessionConfig struct {
	OTPTimeout       time.Duration            `envconfig:"SESSION_OTP_TIMEOUT" default:"240s"`
	PortalOTPTimeout map[string]time.Duration `envconfig:"PORTAL_OTP_TIMEOUTS"`
	PollInterval     time.Duration            `envconfig:"OTP_POLL_INTERVAL" default:"1s"`
	ErrorGrace       time.Duration            `envconfig:"SESSION_ERROR_GRACE" default:"30s"`
	CompletedGrace   time.Duration            `envconfig:"SESSION_COMPLETED_GRACE" default:"60s"`
	RunTimeout       time.Duration            `envconfig:"SESSION_RUN_TIMEOUT" default:"10m"`
}

// OTPTimeoutFor returns the OTP wait bound for a portal, falling back to
// the global value.
func (s SessionConfig) OTPTimeoutFor(portal string) time.Duration {
	if d, ok := s.PortalOTPTimeout[strings.ToLower(portal)]; ok && d > 0 {
		return d
	}
	return s.OTPTimeout
}

// BrowserConfig holds browser profile and launch settings.
type BrowserConfig struct {
	DataDir       string        `envconfig:"DATA_DIR" default:"."`
	DownloadDir   string        `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	Headless      bool          `envconfig:"BROWSER_HEADLESS" default:"false"`
	InstallDriver bool          `envconfig:"PLAYWRIGHT_INSTALL" default:"false"`
	ClearPaths    []string      `envconfig:"PROFILE_CLEAR_PATHS"`
	PageTimeout   time.Duration `envconfig:"PAGE_TIMEOUT" default:"30s"`
}

// RateLimitConfig holds rate limiting for session-starting endpoints.
type RateLimitConfig struct {
	RequestsPerHour int  `envconfig:"RATE_LIMIT_PER_HOUR" default:"600"`
	Burst           int  `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled         bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// DefaultClearPaths lists the profile-relative paths wiped at startup.
// Device-trust state kept elsewhere in the profile survives.
var DefaultClearPaths = []string{
	"Default/Cookies",
	"Default/Cookies-journal",
	"Default/Login Data",
	"Default/Login Data-journal",
	"Default/Web Data",
	"Default/Web Data-journal",
	"Default/Session Storage",
	"Default/Local Storage",
	"Default/IndexedDB",
	"Default/Cache",
	"Default/Code Cache",
	"Default/GPUCache",
	"Default/Service Worker",
	"Cookies",
	"Cookies-journal",
	"Cache",
	"Code Cache",
	"GPUCache",
	"ShaderCache",
	"Service Worker",
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "5002"},
		Logging: LogConfig{
			Level: "info",
		},
		Session: SessionConfig{
			OTPTimeout:     240 * time.Second,
			PollInterval:   time.Second,
			ErrorGrace:     30 * time.Second,
			CompletedGrace: 60 * time.Second,
			RunTimeout:     10 * time.Minute,
		},
		Browser: BrowserConfig{
			DataDir:     ".",
			DownloadDir: "downloads",
			PageTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 600,
			Burst:           20,
			Enabled:         true,
		},
		Portals: []string{"ddma", "dentaquest", "deltains", "unitedsco"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Browser.ClearPaths) == 0 {
		c.Browser.ClearPaths = append([]string(nil), DefaultClearPaths...)
	}
	for i, p := range c.Portals {
		c.Portals[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if len(c.Session.PortalOTPTimeout) > 0 {
		timeouts := make(map[string]time.Duration, len(c.Session.PortalOTPTimeout))
		for name, d := range c.Session.PortalOTPTimeout {
			timeouts[strings.ToLower(strings.TrimSpace(name))] = d
		}
		c.Session.PortalOTPTimeout = timeouts
	}
}
