package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testURL = "mysql://ha:pw@db.local:3306/homeassistant"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvDatabaseURL, EnvServerID, EnvHttpBinding, EnvLogLevel, EnvLogFormat} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
httpBinding: 127.0.0.1:9000
database:
  url: `+testURL+`
relay:
  serverId: 4242
  conflictDelay: 1s
  maxAttempts: 5
watched:
  - sensor.a
  - sensor.b
log:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HttpBinding)
	assert.Equal(t, "homeassistant", cfg.Database.Schema, "schema derived from the url")
	assert.Equal(t, uint32(4242), cfg.Relay.ServerID)
	assert.Equal(t, time.Second, cfg.Relay.ConflictDelay)
	assert.Equal(t, 5*time.Second, cfg.Relay.FailureDelay, "untouched keys keep defaults")
	assert.Equal(t, 5, cfg.Relay.MaxAttempts)
	assert.Equal(t, []string{"sensor.a", "sensor.b"}, cfg.Watched)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Sessions.InitialHistory)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileMissing)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "httpBinding: [unclosed"))
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)

	_, err = LoadConfig(writeFile(t, "nourl.yaml", "httpBinding: :8000\n"))
	assert.ErrorIs(t, err, ErrDatabaseURLMissing)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{name: "binding", mutate: func(c *Config) { c.HttpBinding = "" }, err: ErrHttpBindingMissing},
		{name: "range", mutate: func(c *Config) { c.Relay.ServerIDMin = 10; c.Relay.ServerIDMax = 5 }, err: ErrServerIDRangeInvalid},
		{name: "zero min", mutate: func(c *Config) { c.Relay.ServerIDMin = 0 }, err: ErrServerIDRangeInvalid},
		{name: "attempts", mutate: func(c *Config) { c.Relay.MaxAttempts = 0 }, err: ErrMaxAttemptsInvalid},
		{name: "delays", mutate: func(c *Config) { c.Relay.FailureDelay = -time.Second }, err: ErrDelaysInvalid},
		{name: "events buffer", mutate: func(c *Config) { c.Relay.EventsBuffer = 0 }, err: ErrEventsBufferInvalid},
		{name: "watched", mutate: func(c *Config) { c.Watched = nil }, err: ErrWatchedMissing},
		{name: "send buffer", mutate: func(c *Config) { c.Sessions.SendBufferSize = 0 }, err: ErrSessionsSendBufferSizeMissing},
		{name: "max connections", mutate: func(c *Config) { c.Sessions.MaxConnections = 0 }, err: ErrSessionsMaxConnectionsMissing},
		{name: "history", mutate: func(c *Config) { c.Sessions.InitialHistory = -1 }, err: ErrSessionsInitialHistoryInvalid},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "verbose" }, err: ErrLogLevelInvalid},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }, err: ErrLogFormatInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.URL = testURL
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.err)
		})
	}
}

func TestLoad_WithoutFileUsesDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDatabaseURL, testURL)
	t.Setenv(EnvServerID, "777")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, testURL, cfg.Database.URL)
	assert.Equal(t, uint32(777), cfg.Relay.ServerID)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, Default().HttpBinding, cfg.HttpBinding)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	envFile := writeFile(t, ".env", "MARIADB_URL="+testURL+"\nSERVER_ID=1234\nHTTP_BINDING=0.0.0.0:8080\n")

	cfg, err := Load("", envFile)
	require.NoError(t, err)

	assert.Equal(t, testURL, cfg.Database.URL)
	assert.Equal(t, uint32(1234), cfg.Relay.ServerID)
	assert.Equal(t, "0.0.0.0:8080", cfg.HttpBinding)
}

func TestLoad_ProcessEnvBeatsEnvFile(t *testing.T) {
	clearEnv(t)
	envFile := writeFile(t, ".env", "MARIADB_URL="+testURL+"\nSERVER_ID=1234\n")
	t.Setenv(EnvServerID, "999")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, uint32(999), cfg.Relay.ServerID)
}

func TestLoad_InvalidServerID(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDatabaseURL, testURL)
	t.Setenv(EnvServerID, "not-a-number")

	_, err := Load("", "")
	assert.ErrorIs(t, err, ErrServerIDInvalid)
}

func TestGenerateConfig_RoundTrips(t *testing.T) {
	data, err := yaml.Marshal(GenerateConfig())
	require.NoError(t, err)

	path := writeFile(t, "generated.yaml", string(data))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "homeassistant", cfg.Database.Schema)
	assert.Equal(t, 2*time.Second, cfg.Relay.ConflictDelay)
}

func TestConnInfo(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = testURL
	cfg.Database.Schema = "recorder"

	info, err := cfg.ConnInfo()
	require.NoError(t, err)
	assert.Equal(t, "db.local", info.Host)
	assert.Equal(t, "recorder", info.Schema)
}
