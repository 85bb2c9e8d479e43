package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// setupTestHome points HOME at a temp dir and returns the dealflow config dir
// inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "dealflow")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, QueueMemory, cfg.Queue.Backend)
	assert.Equal(t, OracleNone, cfg.Oracle.Provider)
	assert.False(t, cfg.Policy.AutoSendEnabled)
	assert.Equal(t, 0.8, cfg.Policy.MinConfidence)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 9100
store:
  driver: sqlite
  dsn: /tmp/dealflow.db
policy:
  auto_send_enabled: true
  min_confidence: 0.7
  owners:
    owner-1:
      sandbox_mode: true
      max_follow_ups: 5
sweep:
  silence_threshold: 2d
`, 0600)

	t.Setenv("DEALFLOW_POLICY_MIN_CONFIDENCE", "0.85")
	t.Setenv("DEALFLOW_SERVER_HTTP_PORT", "9200")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port, "env overrides file")
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/dealflow.db", cfg.Store.DSN.Value())
	assert.Equal(t, 0.85, cfg.Policy.MinConfidence)
	assert.Equal(t, 48*time.Hour, cfg.Sweep.SilenceThreshold.Duration())
	assert.Equal(t, time.Minute, cfg.Sweep.Interval.Duration(), "unset keys keep defaults")

	pol := cfg.Policies()
	assert.True(t, pol.Default.AutoSendEnabled)
	assert.False(t, pol.Default.SandboxMode)
	owner := pol.Owners["owner-1"]
	assert.True(t, owner.SandboxMode)
	assert.True(t, owner.AutoSendEnabled, "inherits default")
	assert.Equal(t, 0.85, owner.MinConfidence)
	assert.Equal(t, 5, owner.MaxFollowUps)
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9100\n", 0644)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 0600 or 0400")
}

func TestLoad_RejectsLargeFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "# "+strings.Repeat("x", maxFileSize)+"\n", 0600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "policy:\n  min_confidence: 1.5\n", 0600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy.min_confidence")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "http_port"},
		{"driver", func(c *Config) { c.Store.Driver = "postgres" }, "unknown store.driver"},
		{"dsn", func(c *Config) { c.Store.Driver = DriverMySQL }, "store.dsn required"},
		{"queue", func(c *Config) { c.Queue.Backend = "sqs" }, "unknown queue.backend"},
		{"nats max deliver", func(c *Config) { c.Queue.Backend = QueueNATS; c.NATS.MaxDeliver = 0 }, "nats.max_deliver"},
		{"api key", func(c *Config) { c.Oracle.Provider = OracleAnthropic }, "oracle.api_key"},
		{"openai endpoint", func(c *Config) { c.Oracle.Provider = OracleOpenAI }, "oracle.api_key or oracle.base_url"},
		{"style", func(c *Config) { c.Policy.NegotiationStyle = "reckless" }, "negotiation_style"},
		{"owner confidence", func(c *Config) {
			v := -0.1
			c.Policy.Owners = map[string]OwnerPolicy{"o": {MinConfidence: &v}}
		}, "policy.owners.o.min_confidence"},
		{"zero confidence", func(c *Config) { c.Policy.MinConfidence = 0 }, "policy.min_confidence 0 out of range (0,1]"},
		{"zero owner confidence", func(c *Config) {
			var v float64
			c.Policy.Owners = map[string]OwnerPolicy{"o": {MinConfidence: &v}}
		}, "policy.owners.o.min_confidence"},
		{"interval", func(c *Config) { c.Sweep.Interval = 0 }, "sweep.interval"},
		{"follow ups", func(c *Config) { c.Sweep.MaxFollowUps = 0 }, "sweep.max_follow_ups"},
		{"temporal", func(c *Config) { c.Temporal.Enabled = true; c.Temporal.HostPort = "" }, "temporal"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "policy.min_confidence", envKey("DEALFLOW_POLICY_MIN_CONFIDENCE"))
	assert.Equal(t, "nats.delivery_subject_prefix", envKey("DEALFLOW_NATS_DELIVERY_SUBJECT_PREFIX"))
	assert.Equal(t, "debug", envKey("DEALFLOW_DEBUG"))
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("sk-ant-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-ant")
	raw, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-ant")
	assert.Equal(t, "sk-ant-123", s.Value())
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte("3d")))
	assert.Equal(t, 72*time.Hour, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("xd")))
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}

func TestDefaultPolicy_CarriesFollowUpCap(t *testing.T) {
	cfg := Default()
	cfg.Sweep.MaxFollowUps = 4
	assert.Equal(t, 4, cfg.DefaultPolicy().MaxFollowUps)
	assert.Equal(t, negotiation.StyleBalanced, cfg.DefaultPolicy().NegotiationStyle)
}
