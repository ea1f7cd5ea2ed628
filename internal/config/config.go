// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/hwkey/internal/domain"
)

const (
	appName          = "hwkey"
	envPrefix        = "HWKEY__"
	databaseFileName = "hwkey.db"

	defaultSweepInterval   = 24 * time.Hour
	defaultLockoutDuration = 15 * time.Minute
)

// envBindings maps config keys to their environment variable suffix.
var envBindings = map[string]string{
	"host":                        "HOST",
	"port":                        "PORT",
	"baseUrl":                     "BASE_URL",
	"adminSecret":                 "ADMIN_SECRET",
	"logLevel":                    "LOG_LEVEL",
	"logPath":                     "LOG_PATH",
	"logMaxSize":                  "LOG_MAX_SIZE",
	"logMaxBackups":               "LOG_MAX_BACKUPS",
	"dataDir":                     "DATA_DIR",
	"metricsEnabled":              "METRICS_ENABLED",
	"sweepInterval":               "SWEEP_INTERVAL",
	"retention.expiredDays":       "RETENTION_EXPIRED_DAYS",
	"retention.unusedDays":        "RETENTION_UNUSED_DAYS",
	"adminLockout.maxFailures":    "ADMIN_LOCKOUT_MAX_FAILURES",
	"adminLockout.duration":       "ADMIN_LOCKOUT_DURATION",
	"rateLimit.requestsPerSecond": "RATE_LIMIT_REQUESTS_PER_SECOND",
	"rateLimit.burst":             "RATE_LIMIT_BURST",
	"trustedProxies":              "TRUSTED_PROXIES",
	"httpTimeouts.readTimeout":    "HTTP_TIMEOUTS_READ_TIMEOUT",
	"httpTimeouts.writeTimeout":   "HTTP_TIMEOUTS_WRITE_TIMEOUT",
	"httpTimeouts.idleTimeout":    "HTTP_TIMEOUTS_IDLE_TIMEOUT",
}

type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper

	configPath string

	mu        sync.Mutex
	rotator   *lumberjack.Logger
	listeners []func(*domain.Config)
}

// New loads configuration from a config directory or a direct path to a .toml
// file. A default config is written when none exists. Environment variables
// prefixed with HWKEY__ override file values.
func New(configDirOrPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	c.defaults()

	if configDirOrPath == "" {
		configDirOrPath = GetDefaultConfigDir()
	}
	c.configPath = c.resolveConfigPath(configDirOrPath)

	if _, err := os.Stat(c.configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(c.configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	c.viper.SetConfigFile(c.configPath)
	c.viper.SetConfigType("toml")
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", c.configPath, err)
	}

	if err := c.bindEnv(); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 8080)
	c.viper.SetDefault("baseUrl", "")
	c.viper.SetDefault("adminSecret", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("sweepInterval", defaultSweepInterval.String())
	c.viper.SetDefault("retention.expiredDays", 180)
	c.viper.SetDefault("retention.unusedDays", 7)
	c.viper.SetDefault("adminLockout.maxFailures", 5)
	c.viper.SetDefault("adminLockout.duration", defaultLockoutDuration.String())
	c.viper.SetDefault("rateLimit.requestsPerSecond", 0)
	c.viper.SetDefault("rateLimit.burst", 0)
	c.viper.SetDefault("trustedProxies", []string{})
	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
}

func (c *AppConfig) bindEnv() error {
	for key, name := range envBindings {
		if err := c.viper.BindEnv(key, envPrefix+name); err != nil {
			return fmt.Errorf("failed to bind env %s: %w", envPrefix+name, err)
		}
	}
	return nil
}

// resolveConfigPath turns a directory or file argument into the config file path.
func (c *AppConfig) resolveConfigPath(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".toml") {
		return path
	}

	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path
	}

	return filepath.Join(path, "config.toml")
}

// ConfigPath returns the config file in use.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// GetDatabasePath returns the sqlite path, inside dataDir when set and next to
// the config file otherwise.
func (c *AppConfig) GetDatabasePath() string {
	if c.Config.DataDir != "" {
		return filepath.Join(c.Config.DataDir, databaseFileName)
	}
	return filepath.Join(filepath.Dir(c.configPath), databaseFileName)
}

// SetDataDir overrides the data directory, e.g. from a CLI flag.
func (c *AppConfig) SetDataDir(dir string) {
	c.Config.DataDir = dir
}

// SweepInterval returns the scheduled sweep period. Zero disables the schedule.
func (c *AppConfig) SweepInterval() time.Duration {
	return parseDuration("sweepInterval", c.Config.SweepInterval, defaultSweepInterval)
}

// RetentionWindows returns the expired and unused retention periods.
func (c *AppConfig) RetentionWindows() (expired, unused time.Duration) {
	day := 24 * time.Hour
	return time.Duration(c.Config.Retention.ExpiredDays) * day, time.Duration(c.Config.Retention.UnusedDays) * day
}

func (c *AppConfig) LockoutDuration() time.Duration {
	return parseDuration("adminLockout.duration", c.Config.AdminLockout.Duration, defaultLockoutDuration)
}

func parseDuration(key, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Warn().Str("key", key).Str("value", value).Msgf("Invalid duration, using %s", fallback)
		return fallback
	}
	return d
}

// ApplyLogConfig sets the global log level and output, adding a rotated log
// file when logPath is set.
func (c *AppConfig) ApplyLogConfig() error {
	setLogLevel(c.Config.LogLevel)

	writer, rotator, err := buildLogWriter(baseLogWriter(), c.Config.LogPath, c.Config.LogMaxSize, c.Config.LogMaxBackups)
	if err != nil {
		return err
	}
	log.Logger = log.Output(writer)

	c.mu.Lock()
	old := c.rotator
	c.rotator = rotator
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close old log rotator")
		}
	}

	return nil
}

// OnReload registers fn to receive the freshly decoded config whenever the
// config file changes.
func (c *AppConfig) OnReload(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// WatchConfig reloads the config file on change. Only logLevel and the values
// consumed by OnReload listeners take effect without a restart.
func (c *AppConfig) WatchConfig() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		c.reload()
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) reload() {
	next := &domain.Config{}
	if err := c.viper.Unmarshal(next); err != nil {
		log.Error().Err(err).Msg("Failed to decode reloaded config, keeping previous values")
		return
	}

	setLogLevel(next.LogLevel)

	c.mu.Lock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}

	log.Info().Str("logLevel", next.LogLevel).Msg("Config reloaded")
}

func baseLogWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

func buildLogWriter(baseWriter io.Writer, logPath string, maxSize, maxBackups int) (io.Writer, *lumberjack.Logger, error) {
	if logPath == "" {
		return baseWriter, nil, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
	return io.MultiWriter(baseWriter, rotator), rotator, nil
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// GetDefaultConfigDir returns the OS-specific config directory.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", appName)
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		// docker images mount the config volume at /config
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", appName)
	}
	return filepath.Join(home, ".config", appName)
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// WriteDefaultConfig writes a commented default config with a fresh random
// admin secret. An existing file is left untouched.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	secret, err := generateSecureToken(32)
	if err != nil {
		return err
	}

	content := fmt.Sprintf(defaultConfigTemplate, secret)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Str("path", configPath).Msg("Created default configuration file")
	return nil
}

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost"
host = "localhost"

# Port
# Default: 8080
port = 8080

# Base URL
# Set custom baseUrl eg /hwkey/ to serve under a subpath
#baseUrl = "/hwkey/"

# Admin secret for the /admin endpoints
# Plaintext or an Argon2id hash from "hwkey hash-secret".
# Admin endpoints reject every request when empty.
# Reloaded without restart.
adminSecret = "%s"

# Data directory for the license database
# Default: next to this config file
#dataDir = "/var/lib/hwkey"

# Log level
# Default: "INFO"
# Options: "ERROR", "WARN", "INFO", "DEBUG", "TRACE"
# Reloaded without restart.
logLevel = "INFO"

# Log file path, rotated by size
# Default: stderr only
#logPath = "log/hwkey.log"
#logMaxSize = 50
#logMaxBackups = 3

# Expose Prometheus metrics at /metrics
metricsEnabled = false

# Reverse proxies allowed to set the client address through
# X-Forwarded-For, X-Real-IP or True-Client-IP. Addresses or CIDRs.
# Admin lockout and rate limiting key on that address.
# Default: none, forwarding headers are ignored
#trustedProxies = ["127.0.0.1", "10.0.0.0/8"]

# Retention sweep interval. "0" disables the scheduled sweep.
# Default: "24h"
sweepInterval = "24h"

[retention]
# Delete expired licenses this many days after they expired
expiredDays = 180
# Delete never-activated licenses this many days after issue
unusedDays = 7

[adminLockout]
# Failed admin secret attempts per address before lockout
maxFailures = 5
duration = "15m"

[rateLimit]
# Per-address limit on /validate. 0 disables it.
requestsPerSecond = 0
burst = 0

[httpTimeouts]
# seconds
readTimeout = 60
writeTimeout = 120
idleTimeout = 180
`
