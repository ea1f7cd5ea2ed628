// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config represents the application configuration
type Config struct {
	Host           string          `toml:"host" mapstructure:"host"`
	Port           int             `toml:"port" mapstructure:"port"`
	BaseURL        string          `toml:"baseUrl" mapstructure:"baseUrl"`
	AdminSecret    string          `toml:"adminSecret" mapstructure:"adminSecret"`
	LogLevel       string          `toml:"logLevel" mapstructure:"logLevel"`
	LogPath        string          `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize     int             `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups  int             `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir        string          `toml:"dataDir" mapstructure:"dataDir"`
	MetricsEnabled bool            `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	SweepInterval  string          `toml:"sweepInterval" mapstructure:"sweepInterval"`
	Retention      RetentionConfig `toml:"retention" mapstructure:"retention"`
	AdminLockout   AdminLockout    `toml:"adminLockout" mapstructure:"adminLockout"`
	RateLimit      RateLimit       `toml:"rateLimit" mapstructure:"rateLimit"`
	TrustedProxies []string        `toml:"trustedProxies" mapstructure:"trustedProxies"`
	HTTPTimeouts   HTTPTimeouts    `toml:"httpTimeouts" mapstructure:"httpTimeouts"`
}

// HTTPTimeouts represents HTTP server timeout configuration
type HTTPTimeouts struct {
	ReadTimeout  int `toml:"readTimeout" mapstructure:"readTimeout"`   // seconds
	WriteTimeout int `toml:"writeTimeout" mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int `toml:"idleTimeout" mapstructure:"idleTimeout"`   // seconds
}

// RetentionConfig controls how long dead licenses are kept before the sweep removes them
type RetentionConfig struct {
	ExpiredDays int `toml:"expiredDays" mapstructure:"expiredDays"`
	UnusedDays  int `toml:"unusedDays" mapstructure:"unusedDays"`
}

// AdminLockout limits failed admin secret attempts per client address
type AdminLockout struct {
	MaxFailures int    `toml:"maxFailures" mapstructure:"maxFailures"`
	Duration    string `toml:"duration" mapstructure:"duration"`
}

// RateLimit throttles /validate per client address. Zero RequestsPerSecond disables it.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"requestsPerSecond" mapstructure:"requestsPerSecond"`
	Burst             int     `toml:"burst" mapstructure:"burst"`
}
