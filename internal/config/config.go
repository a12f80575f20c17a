// Package config provides configuration management for engram-context.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWorkerPort is the HTTP port of the worker.
	DefaultWorkerPort = 37778

	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	BackingMemory = "memory"
	BackingFile   = "file"
	BackingRedis  = "redis"

	weightTolerance = 1e-6
)

// Config holds all engine settings. Keys mirror the settings file and the
// environment variables that override it.
type Config struct {
	DBBackend   string `json:"ENGRAM_DB_BACKEND" yaml:"ENGRAM_DB_BACKEND"`
	DBPath      string `json:"ENGRAM_DB_PATH" yaml:"ENGRAM_DB_PATH"`
	PostgresDSN string `json:"ENGRAM_POSTGRES_DSN" yaml:"ENGRAM_POSTGRES_DSN"`
	MaxConns    int    `json:"ENGRAM_MAX_CONNS" yaml:"ENGRAM_MAX_CONNS"`

	MaxContextAgeDays int  `json:"ENGRAM_MAX_CONTEXT_AGE_DAYS" yaml:"ENGRAM_MAX_CONTEXT_AGE_DAYS"`
	Compression       bool `json:"ENGRAM_COMPRESSION" yaml:"ENGRAM_COMPRESSION"`

	WeightRecency     float64 `json:"ENGRAM_WEIGHT_RECENCY" yaml:"ENGRAM_WEIGHT_RECENCY"`
	WeightRelevance   float64 `json:"ENGRAM_WEIGHT_RELEVANCE" yaml:"ENGRAM_WEIGHT_RELEVANCE"`
	WeightOutcome     float64 `json:"ENGRAM_WEIGHT_OUTCOME" yaml:"ENGRAM_WEIGHT_OUTCOME"`
	WeightFileOverlap float64 `json:"ENGRAM_WEIGHT_FILE_OVERLAP" yaml:"ENGRAM_WEIGHT_FILE_OVERLAP"`

	RecencyHalfLifeDays float64 `json:"ENGRAM_RECENCY_HALF_LIFE_DAYS" yaml:"ENGRAM_RECENCY_HALF_LIFE_DAYS"`
	RelevanceThreshold  float64 `json:"ENGRAM_RELEVANCE_THRESHOLD" yaml:"ENGRAM_RELEVANCE_THRESHOLD"`
	MaxResults          int     `json:"ENGRAM_MAX_RESULTS" yaml:"ENGRAM_MAX_RESULTS"`
	CandidatePool       int     `json:"ENGRAM_CANDIDATE_POOL" yaml:"ENGRAM_CANDIDATE_POOL"`
	ContextTokenBudget  int     `json:"ENGRAM_CONTEXT_TOKEN_BUDGET" yaml:"ENGRAM_CONTEXT_TOKEN_BUDGET"`
	ClusterThreshold    float64 `json:"ENGRAM_CLUSTER_THRESHOLD" yaml:"ENGRAM_CLUSTER_THRESHOLD"`

	BreakerFailureThreshold int `json:"ENGRAM_BREAKER_FAILURE_THRESHOLD" yaml:"ENGRAM_BREAKER_FAILURE_THRESHOLD"`
	BreakerWindowSeconds    int `json:"ENGRAM_BREAKER_WINDOW_SECONDS" yaml:"ENGRAM_BREAKER_WINDOW_SECONDS"`
	BreakerCooldownSeconds  int `json:"ENGRAM_BREAKER_COOLDOWN_SECONDS" yaml:"ENGRAM_BREAKER_COOLDOWN_SECONDS"`
	StoreWriteTimeoutMs     int `json:"ENGRAM_STORE_WRITE_TIMEOUT_MS" yaml:"ENGRAM_STORE_WRITE_TIMEOUT_MS"`
	StoreReadTimeoutMs      int `json:"ENGRAM_STORE_READ_TIMEOUT_MS" yaml:"ENGRAM_STORE_READ_TIMEOUT_MS"`

	CaptureDedupeWindowSeconds int `json:"ENGRAM_CAPTURE_DEDUPE_WINDOW_SECONDS" yaml:"ENGRAM_CAPTURE_DEDUPE_WINDOW_SECONDS"`
	CaptureMaxResponseChars    int `json:"ENGRAM_CAPTURE_MAX_RESPONSE_CHARS" yaml:"ENGRAM_CAPTURE_MAX_RESPONSE_CHARS"`

	WarningDefaultLimit    int            `json:"ENGRAM_WARNING_DEFAULT_LIMIT" yaml:"ENGRAM_WARNING_DEFAULT_LIMIT"`
	WarningLimits          map[string]int `json:"ENGRAM_WARNING_LIMITS" yaml:"ENGRAM_WARNING_LIMITS"`
	WarningSessionTTLHours int            `json:"ENGRAM_WARNING_SESSION_TTL_HOURS" yaml:"ENGRAM_WARNING_SESSION_TTL_HOURS"`
	WarningMaxSessions     int            `json:"ENGRAM_WARNING_MAX_SESSIONS" yaml:"ENGRAM_WARNING_MAX_SESSIONS"`
	WarningBacking         string         `json:"ENGRAM_WARNING_BACKING" yaml:"ENGRAM_WARNING_BACKING"`
	RedisURL               string         `json:"ENGRAM_REDIS_URL" yaml:"ENGRAM_REDIS_URL"`

	ToolRulesPath           string `json:"ENGRAM_TOOL_RULES_PATH" yaml:"ENGRAM_TOOL_RULES_PATH"`
	WorkerPort              int    `json:"ENGRAM_WORKER_PORT" yaml:"ENGRAM_WORKER_PORT"`
	EvictionIntervalMinutes int    `json:"ENGRAM_EVICTION_INTERVAL_MINUTES" yaml:"ENGRAM_EVICTION_INTERVAL_MINUTES"`
	LogLevel                string `json:"ENGRAM_LOG_LEVEL" yaml:"ENGRAM_LOG_LEVEL"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DBBackend:                  BackendSQLite,
		MaxConns:                   4,
		MaxContextAgeDays:          30,
		Compression:                true,
		WeightRecency:              0.3,
		WeightRelevance:            0.4,
		WeightOutcome:              0.2,
		WeightFileOverlap:          0.1,
		RecencyHalfLifeDays:        7,
		RelevanceThreshold:         0.3,
		MaxResults:                 5,
		CandidatePool:              500,
		ContextTokenBudget:         2000,
		ClusterThreshold:           0.85,
		BreakerFailureThreshold:    3,
		BreakerWindowSeconds:       60,
		BreakerCooldownSeconds:     30,
		StoreWriteTimeoutMs:        100,
		StoreReadTimeoutMs:         500,
		CaptureDedupeWindowSeconds: 300,
		CaptureMaxResponseChars:    2000,
		WarningDefaultLimit:        1,
		WarningLimits:              map[string]int{},
		WarningSessionTTLHours:     24,
		WarningMaxSessions:         1000,
		WarningBacking:             BackingMemory,
		WorkerPort:                 DefaultWorkerPort,
		EvictionIntervalMinutes:    60,
		LogLevel:                   "info",
	}
}

// DataDir returns the data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".engram-context")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "context.db")
}

// SettingsPath returns the JSON settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// WarningsDir returns the directory used by the file warning backing.
func WarningsDir() string {
	return filepath.Join(DataDir(), "warnings")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes the default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and the default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file from the data directory (settings.json, then
// settings.yaml), applies environment overrides and validates the result.
func Load() (*Config, error) {
	path := SettingsPath()
	if _, err := os.Stat(path); err != nil {
		yamlPath := filepath.Join(DataDir(), "settings.yaml")
		if _, yerr := os.Stat(yamlPath); yerr == nil {
			path = yamlPath
		}
	}
	return LoadFile(path)
}

// LoadFile loads settings from path. A missing file yields defaults; a malformed
// one is a ConfigurationError.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if perr := cfg.parse(path, data); perr != nil {
			return nil, perr
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DBPath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(path string, data []byte) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return &ConfigurationError{Field: path, Reason: fmt.Sprintf("malformed settings file: %v", err)}
	}
	return nil
}

// applyEnv overlays ENGRAM_* environment variables onto the config. Each value
// is converted to the type the key already has.
func (c *Config) applyEnv() error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	changed := false
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		switch fields[key].(type) {
		case float64:
			v, perr := strconv.ParseFloat(raw, 64)
			if perr != nil {
				return invalid(key, raw, "not a number")
			}
			fields[key] = v
		case bool:
			v, perr := strconv.ParseBool(raw)
			if perr != nil {
				return invalid(key, raw, "not a boolean")
			}
			fields[key] = v
		case map[string]interface{}, nil:
			var v map[string]interface{}
			if perr := json.Unmarshal([]byte(raw), &v); perr != nil {
				return invalid(key, raw, "not a JSON object")
			}
			fields[key] = v
		default:
			fields[key] = raw
		}
		changed = true
	}
	if !changed {
		return nil
	}

	data, err = json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("environment override: %v", err)}
	}
	return nil
}

// Validate checks every setting and returns the first violation as a
// ConfigurationError. Values are never clamped.
func (c *Config) Validate() error {
	switch c.DBBackend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return invalid("ENGRAM_POSTGRES_DSN", c.PostgresDSN, "required when ENGRAM_DB_BACKEND is postgres")
		}
	default:
		return invalid("ENGRAM_DB_BACKEND", c.DBBackend, "must be %q, %q or %q", BackendSQLite, BackendPostgres, BackendMemory)
	}

	if err := c.ValidateScoring(); err != nil {
		return err
	}

	positive := []struct {
		key   string
		value int
	}{
		{"ENGRAM_MAX_CONNS", c.MaxConns},
		{"ENGRAM_MAX_CONTEXT_AGE_DAYS", c.MaxContextAgeDays},
		{"ENGRAM_CANDIDATE_POOL", c.CandidatePool},
		{"ENGRAM_BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold},
		{"ENGRAM_BREAKER_WINDOW_SECONDS", c.BreakerWindowSeconds},
		{"ENGRAM_BREAKER_COOLDOWN_SECONDS", c.BreakerCooldownSeconds},
		{"ENGRAM_STORE_WRITE_TIMEOUT_MS", c.StoreWriteTimeoutMs},
		{"ENGRAM_STORE_READ_TIMEOUT_MS", c.StoreReadTimeoutMs},
		{"ENGRAM_CAPTURE_MAX_RESPONSE_CHARS", c.CaptureMaxResponseChars},
		{"ENGRAM_WARNING_SESSION_TTL_HOURS", c.WarningSessionTTLHours},
		{"ENGRAM_WARNING_MAX_SESSIONS", c.WarningMaxSessions},
		{"ENGRAM_EVICTION_INTERVAL_MINUTES", c.EvictionIntervalMinutes},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid(p.key, p.value, "must be positive")
		}
	}

	if c.CaptureDedupeWindowSeconds < 0 {
		return invalid("ENGRAM_CAPTURE_DEDUPE_WINDOW_SECONDS", c.CaptureDedupeWindowSeconds, "must not be negative")
	}
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		return invalid("ENGRAM_WORKER_PORT", c.WorkerPort, "must be a valid TCP port")
	}

	if err := c.ValidateWarnings(); err != nil {
		return err
	}
	switch c.WarningBacking {
	case BackingMemory, BackingFile:
	case BackingRedis:
		if c.RedisURL == "" {
			return invalid("ENGRAM_REDIS_URL", c.RedisURL, "required when ENGRAM_WARNING_BACKING is redis")
		}
	default:
		return invalid("ENGRAM_WARNING_BACKING", c.WarningBacking, "must be memory, file or redis")
	}
	return nil
}

// ValidateScoring checks the settings that may be hot-reloaded into the scorer.
func (c *Config) ValidateScoring() error {
	weights := []struct {
		key   string
		value float64
	}{
		{"ENGRAM_WEIGHT_RECENCY", c.WeightRecency},
		{"ENGRAM_WEIGHT_RELEVANCE", c.WeightRelevance},
		{"ENGRAM_WEIGHT_OUTCOME", c.WeightOutcome},
		{"ENGRAM_WEIGHT_FILE_OVERLAP", c.WeightFileOverlap},
	}
	sum := 0.0
	for _, w := range weights {
		if w.value < 0 || w.value > 1 || math.IsNaN(w.value) {
			return invalid(w.key, w.value, "weight must be within [0, 1]")
		}
		sum += w.value
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return invalid("weights", sum, "scoring weights must sum to 1.0")
	}

	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return invalid("ENGRAM_RELEVANCE_THRESHOLD", c.RelevanceThreshold, "must be within [0, 1]")
	}
	if c.ClusterThreshold <= 0 || c.ClusterThreshold > 1 {
		return invalid("ENGRAM_CLUSTER_THRESHOLD", c.ClusterThreshold, "must be within (0, 1]")
	}
	if c.RecencyHalfLifeDays <= 0 {
		return invalid("ENGRAM_RECENCY_HALF_LIFE_DAYS", c.RecencyHalfLifeDays, "must be positive")
	}
	if c.MaxResults <= 0 {
		return invalid("ENGRAM_MAX_RESULTS", c.MaxResults, "must be positive")
	}
	if c.ContextTokenBudget < 0 {
		return invalid("ENGRAM_CONTEXT_TOKEN_BUDGET", c.ContextTokenBudget, "must not be negative")
	}
	return nil
}

// ValidateWarnings checks the per-type warning limits.
func (c *Config) ValidateWarnings() error {
	if c.WarningDefaultLimit < 0 {
		return invalid("ENGRAM_WARNING_DEFAULT_LIMIT", c.WarningDefaultLimit, "must not be negative")
	}
	for typ, limit := range c.WarningLimits {
		if limit < 0 {
			return invalid("ENGRAM_WARNING_LIMITS", typ, "limit %d must not be negative", limit)
		}
	}
	return nil
}

// MaxContextAge returns the retention horizon.
func (c *Config) MaxContextAge() time.Duration {
	return time.Duration(c.MaxContextAgeDays) * 24 * time.Hour
}

// RecencyHalfLife returns the half-life of the recency decay.
func (c *Config) RecencyHalfLife() time.Duration {
	return time.Duration(c.RecencyHalfLifeDays * float64(24*time.Hour))
}

// BreakerWindow returns the rolling window for consecutive failures.
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.BreakerWindowSeconds) * time.Second
}

// BreakerCooldown returns how long the breaker stays open.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// WriteTimeout bounds a single storage write.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.StoreWriteTimeoutMs) * time.Millisecond
}

// ReadTimeout bounds a single storage read.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.StoreReadTimeoutMs) * time.Millisecond
}

// DedupeWindow is the capture duplicate-suppression window.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.CaptureDedupeWindowSeconds) * time.Second
}

// WarningSessionTTL is how long idle session warning state is retained.
func (c *Config) WarningSessionTTL() time.Duration {
	return time.Duration(c.WarningSessionTTLHours) * time.Hour
}

// EvictionInterval is the period of the worker's eviction sweep.
func (c *Config) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalMinutes) * time.Minute
}
