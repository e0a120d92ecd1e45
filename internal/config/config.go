// Package config provides configuration management for ecoroute.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkerPort is the default HTTP port of the worker.
	DefaultWorkerPort = 37877
	// DefaultWorkerHost is the default bind address.
	DefaultWorkerHost = "127.0.0.1"

	DefaultDBDriver = "sqlite"

	dataDirName      = ".ecoroute"
	dbFileName       = "ecoroute.db"
	settingsFileName = "settings.json"
)

// Settings keys. Each key may also be set as an environment variable of the
// same name, which takes precedence over settings.json.
const (
	KeyWorkerPort        = "ECOROUTE_WORKER_PORT"
	KeyWorkerHost        = "ECOROUTE_WORKER_HOST"
	KeyDBDriver          = "ECOROUTE_DB_DRIVER"
	KeyDBPath            = "ECOROUTE_DB_PATH"
	KeyDBDSN             = "ECOROUTE_DB_DSN"
	KeyDBMaxConns        = "ECOROUTE_DB_MAX_CONNS"
	KeyRemoteURL         = "ECOROUTE_REMOTE_URL"
	KeyUserID            = "ECOROUTE_USER_ID"
	KeyProjectID         = "ECOROUTE_PROJECT_ID"
	KeyBackendTimeoutMs  = "ECOROUTE_BACKEND_TIMEOUT_MS"
	KeyReceiptTimeoutMs  = "ECOROUTE_RECEIPT_TIMEOUT_MS"
	KeyDeferWindowMin    = "ECOROUTE_DEFER_WINDOW_MIN"
	KeyRemoteRateLimit   = "ECOROUTE_REMOTE_RATE_LIMIT"
	KeyRemoteRateBurst   = "ECOROUTE_REMOTE_RATE_BURST"
	KeyFallbackTable     = "ECOROUTE_FALLBACK_TABLE"
	KeyDwellCacheCheckMs = "ECOROUTE_DWELL_CACHE_CHECK_MS"
	KeyDwellCompressMs   = "ECOROUTE_DWELL_COMPRESSING_MS"
	KeyDwellRoutingMs    = "ECOROUTE_DWELL_ROUTING_MS"
	KeyDwellMapMs        = "ECOROUTE_DWELL_MAP_MS"
	KeyStreamBaseMs      = "ECOROUTE_STREAM_BASE_MS"
	KeyStreamJitterMs    = "ECOROUTE_STREAM_JITTER_MS"
	KeyStreamSpaceMs     = "ECOROUTE_STREAM_SPACE_MS"
	KeyStreamNewlineMs   = "ECOROUTE_STREAM_NEWLINE_MS"
	KeyFloorSavedG       = "ECOROUTE_FLOOR_SAVED_G"
	KeyFloorPrompts      = "ECOROUTE_FLOOR_PROMPTS"
	KeyFloorReduction    = "ECOROUTE_FLOOR_REDUCTION_PCT"
	KeyModels            = "ECOROUTE_MODELS"
	KeyRegions           = "ECOROUTE_REGIONS"
)

var (
	// DefaultModels are the simulated models used when none are configured.
	DefaultModels = []string{"eco-small", "eco-medium", "eco-large"}

	// DefaultRegions are the simulated regions used when none are configured.
	DefaultRegions = []string{
		"europe-north1", "europe-west9", "us-west1", "northamerica-northeast1",
		"us-central1", "europe-west4", "us-east4", "asia-northeast1",
	}
)

// Config holds ecoroute settings.
type Config struct {
	WorkerHost string `json:"worker_host"`
	WorkerPort int    `json:"worker_port"`

	DBDriver string `json:"db_driver"` // sqlite, postgres or memory
	DBPath   string `json:"db_path"`
	DBDSN    string `json:"db_dsn"`
	MaxConns int    `json:"max_conns"`

	RemoteURL        string  `json:"remote_url"`
	UserID           string  `json:"user_id"`
	ProjectID        string  `json:"project_id"`
	BackendTimeoutMs int     `json:"backend_timeout_ms"`
	ReceiptTimeoutMs int     `json:"receipt_timeout_ms"`
	DeferWindowMin   int     `json:"defer_window_min"`
	RemoteRateLimit  float64 `json:"remote_rate_limit"`
	RemoteRateBurst  int     `json:"remote_rate_burst"`
	FallbackTable    string  `json:"fallback_table"`

	DwellCacheCheckMs  int `json:"dwell_cache_check_ms"`
	DwellCompressingMs int `json:"dwell_compressing_ms"`
	DwellRoutingMs     int `json:"dwell_routing_ms"`
	DwellMapMs         int `json:"dwell_map_ms"`
	StreamBaseMs       int `json:"stream_base_ms"`
	StreamJitterMs     int `json:"stream_jitter_ms"`
	StreamSpaceMs      int `json:"stream_space_ms"`
	StreamNewlineMs    int `json:"stream_newline_ms"`

	FloorSavedG       float64 `json:"floor_saved_g"`
	FloorPrompts      int     `json:"floor_prompts"`
	FloorReductionPct float64 `json:"floor_reduction_pct"`

	Models  []string `json:"models"`
	Regions []string `json:"regions"`
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkerHost:         DefaultWorkerHost,
		WorkerPort:         DefaultWorkerPort,
		DBDriver:           DefaultDBDriver,
		MaxConns:           4,
		BackendTimeoutMs:   20000,
		ReceiptTimeoutMs:   3000,
		DwellCacheCheckMs:  600,
		DwellCompressingMs: 500,
		DwellRoutingMs:     500,
		DwellMapMs:         800,
		StreamBaseMs:       8,
		StreamJitterMs:     6,
		StreamSpaceMs:      6,
		StreamNewlineMs:    20,
		FloorSavedG:        2.4,
		FloorPrompts:       12,
		FloorReductionPct:  42,
		Models:             append([]string(nil), DefaultModels...),
		Regions:            append([]string(nil), DefaultRegions...),
	}
}

// DataDir returns the data directory (~/.ecoroute).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), dbFileName)
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFileName)
}

// EnsureDataDir creates the data directory if needed.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a settings file with defaults if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat settings: %w", err)
	}

	d := Default()
	defaults := map[string]interface{}{
		KeyWorkerPort:        d.WorkerPort,
		KeyDBDriver:          d.DBDriver,
		KeyRemoteURL:         "",
		KeyBackendTimeoutMs:  d.BackendTimeoutMs,
		KeyDwellCacheCheckMs: d.DwellCacheCheckMs,
		KeyDwellCompressMs:   d.DwellCompressingMs,
		KeyDwellRoutingMs:    d.DwellRoutingMs,
		KeyDwellMapMs:        d.DwellMapMs,
	}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// EnsureAll creates the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json and environment overrides on top of Default().
// A missing or malformed settings file yields defaults.
func Load() (*Config, error) {
	cfg := Default()

	settings := map[string]interface{}{}
	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &settings); jsonErr != nil {
			log.Warn().Err(jsonErr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
			settings = map[string]interface{}{}
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read settings: %w", err)
	}

	s := source{file: settings}
	s.str(KeyWorkerHost, &cfg.WorkerHost)
	s.int(KeyWorkerPort, &cfg.WorkerPort)
	s.str(KeyDBDriver, &cfg.DBDriver)
	s.str(KeyDBPath, &cfg.DBPath)
	s.str(KeyDBDSN, &cfg.DBDSN)
	s.int(KeyDBMaxConns, &cfg.MaxConns)
	s.str(KeyRemoteURL, &cfg.RemoteURL)
	s.str(KeyUserID, &cfg.UserID)
	s.str(KeyProjectID, &cfg.ProjectID)
	s.int(KeyBackendTimeoutMs, &cfg.BackendTimeoutMs)
	s.int(KeyReceiptTimeoutMs, &cfg.ReceiptTimeoutMs)
	s.int(KeyDeferWindowMin, &cfg.DeferWindowMin)
	s.float(KeyRemoteRateLimit, &cfg.RemoteRateLimit)
	s.int(KeyRemoteRateBurst, &cfg.RemoteRateBurst)
	s.str(KeyFallbackTable, &cfg.FallbackTable)
	s.int(KeyDwellCacheCheckMs, &cfg.DwellCacheCheckMs)
	s.int(KeyDwellCompressMs, &cfg.DwellCompressingMs)
	s.int(KeyDwellRoutingMs, &cfg.DwellRoutingMs)
	s.int(KeyDwellMapMs, &cfg.DwellMapMs)
	s.int(KeyStreamBaseMs, &cfg.StreamBaseMs)
	s.int(KeyStreamJitterMs, &cfg.StreamJitterMs)
	s.int(KeyStreamSpaceMs, &cfg.StreamSpaceMs)
	s.int(KeyStreamNewlineMs, &cfg.StreamNewlineMs)
	s.float(KeyFloorSavedG, &cfg.FloorSavedG)
	s.int(KeyFloorPrompts, &cfg.FloorPrompts)
	s.float(KeyFloorReduction, &cfg.FloorReductionPct)
	s.list(KeyModels, &cfg.Models)
	s.list(KeyRegions, &cfg.Regions)

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if cfg.WorkerPort <= 0 || cfg.WorkerPort > 65535 {
		cfg.WorkerPort = DefaultWorkerPort
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DBPath()
	}
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalMu.RLock()
	cfg := globalCfg
	globalMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		loaded, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			loaded = Default()
			loaded.DBPath = DBPath()
		}
		globalCfg = loaded
	}
	return globalCfg
}

// GetWorkerPort returns the worker port from the environment, or from the
// configuration when the variable is unset or invalid.
func GetWorkerPort() int {
	if v := os.Getenv(KeyWorkerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}

// Addr returns host:port for the worker listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}

// BackendTimeout returns the primary remote call timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutMs) * time.Millisecond
}

// ReceiptTimeout returns the receipt fetch timeout.
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutMs) * time.Millisecond
}

// DeferWindow returns how long the remote may defer a request, or 0.
func (c *Config) DeferWindow() time.Duration {
	return time.Duration(c.DeferWindowMin) * time.Minute
}

// Dwells returns the cosmetic dwell times of the optimizing steps in order.
func (c *Config) Dwells() [4]time.Duration {
	return [4]time.Duration{
		ms(c.DwellCacheCheckMs),
		ms(c.DwellCompressingMs),
		ms(c.DwellRoutingMs),
		ms(c.DwellMapMs),
	}
}

func ms(v int) time.Duration {
	if v < 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// source resolves a key from the environment first, then the settings file.
type source struct {
	file map[string]interface{}
}

func (s source) lookup(key string) (interface{}, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok && v != nil
}

func (s source) str(key string, dst *string) {
	if v, ok := s.lookup(key); ok {
		if str, ok := v.(string); ok {
			*dst = strings.TrimSpace(str)
		}
	}
}

func (s source) int(key string, dst *int) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	switch n := v.(type) {
	case float64:
		*dst = int(n)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			*dst = parsed
		} else {
			log.Warn().Str("key", key).Str("value", n).Msg("Ignoring non-integer setting")
		}
	}
}

func (s source) float(key string, dst *float64) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	switch n := v.(type) {
	case float64:
		*dst = n
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			*dst = parsed
		} else {
			log.Warn().Str("key", key).Str("value", n).Msg("Ignoring non-numeric setting")
		}
	}
}

func (s source) list(key string, dst *[]string) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	var out []string
	switch l := v.(type) {
	case string:
		out = splitTrim(l)
	case []interface{}:
		for _, item := range l {
			if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
				out = append(out, strings.TrimSpace(str))
			}
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// splitTrim splits a comma-separated list and drops empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
