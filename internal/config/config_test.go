// Package config provides configuration management for ecoroute.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir     string
	origHomeDir string
}

func (s *ConfigSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "config-test-*")
	s.Require().NoError(err)

	// Save and override HOME
	s.origHomeDir = os.Getenv("HOME")
	os.Setenv("HOME", s.tempDir)
}

func (s *ConfigSuite) TearDownTest() {
	os.Setenv("HOME", s.origHomeDir)
	os.RemoveAll(s.tempDir)
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) writeSettings(body string) {
	s.Require().NoError(os.MkdirAll(filepath.Join(s.tempDir, ".ecoroute"), 0750))
	s.Require().NoError(os.WriteFile(filepath.Join(s.tempDir, ".ecoroute", "settings.json"), []byte(body), 0600))
}

// TestDefault tests default configuration values.
func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal(DefaultWorkerPort, cfg.WorkerPort)
	s.Equal(DefaultWorkerHost, cfg.WorkerHost)
	s.Equal("sqlite", cfg.DBDriver)
	s.Equal(4, cfg.MaxConns)
	s.Equal(20*time.Second, cfg.BackendTimeout())
	s.Equal(3*time.Second, cfg.ReceiptTimeout())
	s.Zero(cfg.DeferWindow())
	s.Equal([4]time.Duration{
		600 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond, 800 * time.Millisecond,
	}, cfg.Dwells())
	s.Equal(8, cfg.StreamBaseMs)
	s.Equal(20, cfg.StreamNewlineMs)
	s.Equal(DefaultModels, cfg.Models)
	s.Equal(DefaultRegions, cfg.Regions)
	s.Equal(2.4, cfg.FloorSavedG)
}

// TestDataDir tests data directory path.
func (s *ConfigSuite) TestDataDir() {
	dir := DataDir()
	s.Contains(dir, ".ecoroute")
}

// TestDBPath tests database path.
func (s *ConfigSuite) TestDBPath() {
	path := DBPath()
	s.Contains(path, "ecoroute.db")
}

// TestSettingsPath tests settings file path.
func (s *ConfigSuite) TestSettingsPath() {
	path := SettingsPath()
	s.Contains(path, "settings.json")
}

// TestEnsureDataDir tests data directory creation.
func (s *ConfigSuite) TestEnsureDataDir() {
	err := EnsureDataDir()
	s.NoError(err)

	info, err := os.Stat(DataDir())
	s.NoError(err)
	s.True(info.IsDir())
}

// TestEnsureSettings tests settings file creation.
func (s *ConfigSuite) TestEnsureSettings() {
	s.Require().NoError(EnsureDataDir())
	s.Require().NoError(EnsureSettings())

	info, err := os.Stat(SettingsPath())
	s.NoError(err)
	s.False(info.IsDir())

	// Written defaults load back unchanged.
	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(DefaultWorkerPort, cfg.WorkerPort)
	s.Equal(20000, cfg.BackendTimeoutMs)

	// Second call keeps the existing file.
	s.writeSettings(`{"ECOROUTE_WORKER_PORT": 40001}`)
	s.NoError(EnsureSettings())
	cfg, err = Load()
	s.Require().NoError(err)
	s.Equal(40001, cfg.WorkerPort)
}

// TestEnsureAll tests full initialization.
func (s *ConfigSuite) TestEnsureAll() {
	s.NoError(EnsureAll())

	_, err := os.Stat(DataDir())
	s.NoError(err)
	_, err = os.Stat(SettingsPath())
	s.NoError(err)
}

// TestLoad_TableDriven tests configuration loading with various scenarios.
func (s *ConfigSuite) TestLoad_TableDriven() {
	tests := []struct {
		name            string
		settingsJSON    string
		expectedPort    int
		expectedDriver  string
		expectedTimeout int
	}{
		{
			name:            "no settings file",
			expectedPort:    DefaultWorkerPort,
			expectedDriver:  "sqlite",
			expectedTimeout: 20000,
		},
		{
			name:            "custom port",
			settingsJSON:    `{"ECOROUTE_WORKER_PORT": 38888}`,
			expectedPort:    38888,
			expectedDriver:  "sqlite",
			expectedTimeout: 20000,
		},
		{
			name:            "driver is normalized",
			settingsJSON:    `{"ECOROUTE_DB_DRIVER": " Postgres "}`,
			expectedPort:    DefaultWorkerPort,
			expectedDriver:  "postgres",
			expectedTimeout: 20000,
		},
		{
			name:            "numeric string accepted",
			settingsJSON:    `{"ECOROUTE_BACKEND_TIMEOUT_MS": "1500"}`,
			expectedPort:    DefaultWorkerPort,
			expectedDriver:  "sqlite",
			expectedTimeout: 1500,
		},
		{
			name:            "multiple settings",
			settingsJSON:    `{"ECOROUTE_WORKER_PORT": 39999, "ECOROUTE_DB_DRIVER": "memory", "ECOROUTE_BACKEND_TIMEOUT_MS": 500}`,
			expectedPort:    39999,
			expectedDriver:  "memory",
			expectedTimeout: 500,
		},
		{
			name:            "invalid JSON returns defaults",
			settingsJSON:    `{invalid}`,
			expectedPort:    DefaultWorkerPort,
			expectedDriver:  "sqlite",
			expectedTimeout: 20000,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			tempDir, err := os.MkdirTemp("", "config-test-*")
			s.Require().NoError(err)
			defer os.RemoveAll(tempDir)

			os.Setenv("HOME", tempDir)

			err = os.MkdirAll(filepath.Join(tempDir, ".ecoroute"), 0750)
			s.Require().NoError(err)

			if tt.settingsJSON != "" {
				writeErr := os.WriteFile(
					filepath.Join(tempDir, ".ecoroute", "settings.json"),
					[]byte(tt.settingsJSON),
					0600,
				)
				s.Require().NoError(writeErr)
			}

			cfg, err := Load()
			s.NoError(err)
			s.NotNil(cfg)
			s.Equal(tt.expectedPort, cfg.WorkerPort)
			s.Equal(tt.expectedDriver, cfg.DBDriver)
			s.Equal(tt.expectedTimeout, cfg.BackendTimeoutMs)
			s.Equal(filepath.Join(tempDir, ".ecoroute", "ecoroute.db"), cfg.DBPath)
		})
	}
}

// TestLoad_Lists tests list settings in both encodings.
func (s *ConfigSuite) TestLoad_Lists() {
	s.writeSettings(`{
		"ECOROUTE_MODELS": "tiny, huge ,",
		"ECOROUTE_REGIONS": ["us-west1", "", "europe-north1"]
	}`)

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal([]string{"tiny", "huge"}, cfg.Models)
	s.Equal([]string{"us-west1", "europe-north1"}, cfg.Regions)
}

// TestLoad_FloorAndDwell tests presentation and timing settings.
func (s *ConfigSuite) TestLoad_FloorAndDwell() {
	s.writeSettings(`{
		"ECOROUTE_FLOOR_SAVED_G": 0,
		"ECOROUTE_FLOOR_PROMPTS": 3,
		"ECOROUTE_FLOOR_REDUCTION_PCT": 12.5,
		"ECOROUTE_DWELL_MAP_MS": 0,
		"ECOROUTE_DEFER_WINDOW_MIN": 90,
		"ECOROUTE_REMOTE_RATE_LIMIT": 0.5
	}`)

	cfg, err := Load()
	s.Require().NoError(err)
	s.Zero(cfg.FloorSavedG)
	s.Equal(3, cfg.FloorPrompts)
	s.Equal(12.5, cfg.FloorReductionPct)
	s.Zero(cfg.Dwells()[3])
	s.Equal(90*time.Minute, cfg.DeferWindow())
	s.Equal(0.5, cfg.RemoteRateLimit)
}

// TestLoad_EnvOverridesFile tests environment precedence.
func (s *ConfigSuite) TestLoad_EnvOverridesFile() {
	s.writeSettings(`{"ECOROUTE_REMOTE_URL": "http://file", "ECOROUTE_USER_ID": "file-user"}`)
	s.T().Setenv(KeyRemoteURL, "http://env")

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal("http://env", cfg.RemoteURL)
	s.Equal("file-user", cfg.UserID)
}

// TestSplitTrim tests the splitTrim helper function.
func TestSplitTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: []string{},
		},
		{
			name:     "single value",
			input:    "eco-small",
			expected: []string{"eco-small"},
		},
		{
			name:     "multiple values",
			input:    "eco-small,eco-medium,eco-large",
			expected: []string{"eco-small", "eco-medium", "eco-large"},
		},
		{
			name:     "values with spaces",
			input:    " eco-small , eco-medium , eco-large ",
			expected: []string{"eco-small", "eco-medium", "eco-large"},
		},
		{
			name:     "empty values filtered",
			input:    "eco-small,,eco-large,,",
			expected: []string{"eco-small", "eco-large"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitTrim(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// TestGet tests the global config getter.
func TestGet(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)

	err := os.MkdirAll(filepath.Join(tempDir, ".ecoroute"), 0750)
	require.NoError(t, err)

	cfg := Get()
	require.NotNil(t, cfg)
	assert.Greater(t, cfg.WorkerPort, 0)
	assert.NotEmpty(t, cfg.Models)
	assert.Same(t, cfg, Get())
}

// TestGetWorkerPort_WithEnv tests GetWorkerPort with environment variable.
func TestGetWorkerPort_WithEnv(t *testing.T) {
	t.Setenv(KeyWorkerPort, "45678")
	assert.Equal(t, 45678, GetWorkerPort())

	// Invalid values fall back to config
	t.Setenv(KeyWorkerPort, "not-a-number")
	assert.Greater(t, GetWorkerPort(), 0)

	t.Setenv(KeyWorkerPort, "0")
	assert.Greater(t, GetWorkerPort(), 0)
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.WorkerPort = 1234
	assert.Equal(t, "127.0.0.1:1234", cfg.Addr())
}
