package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the candidate recording gateway.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"30m"`
	SessionRetention         time.Duration `env:"APP_SESSION_RETENTION" envDefault:"10m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"corematch"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	LogLevel                 string        `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat                string        `env:"APP_LOG_FORMAT" envDefault:"json"`
	// A socket that sends nothing, not even a pong, for WSReadTimeout is dropped.
	WSReadTimeout  time.Duration `env:"APP_WS_READ_TIMEOUT" envDefault:"90s"`
	WSPingInterval time.Duration `env:"APP_WS_PING_INTERVAL" envDefault:"30s"`

	BackendBaseURL string        `env:"BACKEND_BASE_URL" envDefault:"http://localhost:8000/api/v1"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"20s"`
	UploadTimeout  time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"2m"`
	// Accept-Language sent to the backend when the browser does not supply one.
	CandidateLocale string `env:"CANDIDATE_LOCALE" envDefault:"en"`

	// remote: browser camera over the websocket; synthetic: generated frames.
	DeviceSource           string        `env:"DEVICE_SOURCE" envDefault:"remote"`
	DeviceAcquireTimeout   time.Duration `env:"DEVICE_ACQUIRE_TIMEOUT" envDefault:"30s"`
	CaptureTimeslice       time.Duration `env:"CAPTURE_TIMESLICE" envDefault:"1s"`
	CaptureFinalizeTimeout time.Duration `env:"CAPTURE_FINALIZE_TIMEOUT" envDefault:"5s"`
	CompleteAdvanceDelay   time.Duration `env:"COMPLETE_ADVANCE_DELAY" envDefault:"1500ms"`

	DatabaseURL string `env:"DATABASE_URL"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.BackendBaseURL = strings.TrimRight(strings.TrimSpace(cfg.BackendBaseURL), "/")
	cfg.DeviceSource = strings.ToLower(strings.TrimSpace(cfg.DeviceSource))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.WSPingInterval <= 0 || c.WSPingInterval >= c.WSReadTimeout {
		return fmt.Errorf("APP_WS_PING_INTERVAL must be positive and below APP_WS_READ_TIMEOUT")
	}
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute http(s) URL")
	}
	if c.BackendTimeout <= 0 || c.UploadTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT and UPLOAD_TIMEOUT must be positive")
	}
	switch c.DeviceSource {
	case "remote", "synthetic":
	default:
		return fmt.Errorf("invalid DEVICE_SOURCE: %q (expected remote|synthetic)", c.DeviceSource)
	}
	if c.DeviceAcquireTimeout <= 0 {
		return fmt.Errorf("DEVICE_ACQUIRE_TIMEOUT must be positive")
	}
	// MediaRecorder timeslice; longer slices risk losing more on a crash.
	if c.CaptureTimeslice <= 0 || c.CaptureTimeslice > time.Second {
		return fmt.Errorf("CAPTURE_TIMESLICE must be in (0, 1s]")
	}
	if c.CaptureFinalizeTimeout <= 0 {
		return fmt.Errorf("CAPTURE_FINALIZE_TIMEOUT must be positive")
	}
	if c.CompleteAdvanceDelay < 0 {
		return fmt.Errorf("COMPLETE_ADVANCE_DELAY must be >= 0")
	}
	return nil
}
