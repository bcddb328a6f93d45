package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.DeviceSource != "remote" {
		t.Fatalf("DeviceSource = %q, want remote", cfg.DeviceSource)
	}
	if cfg.CaptureTimeslice != time.Second {
		t.Fatalf("CaptureTimeslice = %v, want 1s", cfg.CaptureTimeslice)
	}
	if cfg.CompleteAdvanceDelay != 1500*time.Millisecond {
		t.Fatalf("CompleteAdvanceDelay = %v, want 1.5s", cfg.CompleteAdvanceDelay)
	}
	if cfg.WSReadTimeout != 90*time.Second || cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("websocket timeouts = %v/%v, want 90s/30s", cfg.WSReadTimeout, cfg.WSPingInterval)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadTrimsBackendURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_BASE_URL", " https://api.example.com/v1/ ")
	t.Setenv("DEVICE_SOURCE", "Synthetic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendBaseURL != "https://api.example.com/v1" {
		t.Fatalf("BackendBaseURL = %q", cfg.BackendBaseURL)
	}
	if cfg.DeviceSource != "synthetic" {
		t.Fatalf("DeviceSource = %q, want synthetic", cfg.DeviceSource)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DEVICE_SOURCE":                  "usb",
		"CAPTURE_TIMESLICE":              "2s",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"BACKEND_BASE_URL":               "ftp://nope",
		"UPLOAD_TIMEOUT":                 "not-a-duration",
		"APP_WS_PING_INTERVAL":           "5m",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%s", key, value)
			} else if !strings.Contains(err.Error(), key) && key != "UPLOAD_TIMEOUT" {
				t.Fatalf("Load() error = %v, want mention of %s", err, key)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_SESSION_RETENTION",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_WS_READ_TIMEOUT",
		"APP_WS_PING_INTERVAL",
		"BACKEND_BASE_URL",
		"BACKEND_TIMEOUT",
		"UPLOAD_TIMEOUT",
		"CANDIDATE_LOCALE",
		"DEVICE_SOURCE",
		"DEVICE_ACQUIRE_TIMEOUT",
		"CAPTURE_TIMESLICE",
		"CAPTURE_FINALIZE_TIMEOUT",
		"COMPLETE_ADVANCE_DELAY",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
