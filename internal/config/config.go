// Package config loads runtime configuration from PORTGUARD_* environment
// variables, following the teacher's getter/setter-behind-mutex pattern for
// the handful of fields a running process can change without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds Portguard's process-wide configuration.
//
// Mutable fields (DefaultBatchIntervalMinutes) are protected by an RWMutex
// and must be accessed via getter/setter methods, so they can be changed at
// runtime while other goroutines read them.
type Config struct {
	// DataDir is where the embedded bbolt database file lives (spec.md §6.5).
	DataDir string
	// Env switches behavior for test runs ("test" redirects DataDir to a
	// temp directory), mirroring the teacher's NODE_ENV equivalent.
	Env string

	LogJSON bool

	WebPort    string
	WebEnabled bool

	SessionExpiry time.Duration
	CookieSecure  bool

	TLSCert string
	TLSKey  string
	TLSAuto bool

	MetricsEnabled bool

	// mu protects the fields below, which SetDefaultBatchIntervalMinutes can
	// change at runtime. The batch config API (POST /api/batch/config) writes
	// per-user BatchConfig rows and does not change them.
	mu                          sync.RWMutex
	defaultBatchIntervalMinutes int
}

// NewTestConfig creates a Config with sensible defaults for tests.
func NewTestConfig() *Config {
	return &Config{
		DataDir:                     os.TempDir(),
		Env:                         "test",
		SessionExpiry:               720 * time.Hour,
		defaultBatchIntervalMinutes: 60,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	env := envStr("PORTGUARD_ENV", "")
	dataDir := envStr("DATA_DIR", "/data")
	if env == "test" {
		dataDir = os.TempDir()
	}
	return &Config{
		DataDir:                     dataDir,
		Env:                         env,
		LogJSON:                     envBool("PORTGUARD_LOG_JSON", true),
		WebPort:                     envStr("PORTGUARD_WEB_PORT", "8080"),
		WebEnabled:                  envBool("PORTGUARD_WEB_ENABLED", true),
		SessionExpiry:               envDuration("PORTGUARD_SESSION_EXPIRY", 720*time.Hour),
		CookieSecure:                envBool("PORTGUARD_COOKIE_SECURE", true),
		TLSCert:                     envStr("PORTGUARD_TLS_CERT", ""),
		TLSKey:                      envStr("PORTGUARD_TLS_KEY", ""),
		TLSAuto:                     envBool("PORTGUARD_TLS_AUTO", false),
		MetricsEnabled:              envBool("PORTGUARD_METRICS", false),
		defaultBatchIntervalMinutes: envInt("PORTGUARD_DEFAULT_BATCH_INTERVAL_MINUTES", 60),
	}
}

// DBPath returns the bbolt database file path inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "portguard.db")
}

// DefaultBatchIntervalMinutes returns the configured default batch interval
// (PORTGUARD_DEFAULT_BATCH_INTERVAL_MINUTES, 60 if unset). Store.GetBatchConfig
// does not read it: a (userID, jobType) with no saved row gets a fixed
// 60-minute default.
func (c *Config) DefaultBatchIntervalMinutes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultBatchIntervalMinutes
}

// SetDefaultBatchIntervalMinutes changes the default at runtime.
func (c *Config) SetDefaultBatchIntervalMinutes(m int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultBatchIntervalMinutes = m
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string
	if c.DataDir == "" {
		errs = append(errs, "DATA_DIR must not be empty")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, "PORTGUARD_TLS_CERT and PORTGUARD_TLS_KEY must both be set or both empty")
	}
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("%s", msg)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"DATA_DIR":                                 c.DataDir,
		"PORTGUARD_ENV":                            c.Env,
		"PORTGUARD_LOG_JSON":                       fmt.Sprintf("%t", c.LogJSON),
		"PORTGUARD_WEB_PORT":                       c.WebPort,
		"PORTGUARD_WEB_ENABLED":                    fmt.Sprintf("%t", c.WebEnabled),
		"PORTGUARD_SESSION_EXPIRY":                 c.SessionExpiry.String(),
		"PORTGUARD_COOKIE_SECURE":                  fmt.Sprintf("%t", c.CookieSecure),
		"PORTGUARD_TLS_CERT":                       c.TLSCert,
		"PORTGUARD_TLS_AUTO":                       fmt.Sprintf("%t", c.TLSAuto),
		"PORTGUARD_METRICS":                        fmt.Sprintf("%t", c.MetricsEnabled),
		"PORTGUARD_DEFAULT_BATCH_INTERVAL_MINUTES": strconv.Itoa(c.DefaultBatchIntervalMinutes()),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
