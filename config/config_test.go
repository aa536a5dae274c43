package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/test-go/testify/assert"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"databaseDSN": "file:test.db",
		"publicBaseURL": "https://sync.example.com/",
		"tickInterval": "1m",
		"maxThread": 8,
		"rateLimits": {"clearbit": {"limit": 5, "window": "10s"}}
	}`)

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDialect)
	assert.Equal(t, "file:test.db", cfg.DatabaseDSN)
	assert.Equal(t, time.Minute, cfg.TickInterval.Duration)
	assert.Equal(t, 8, cfg.MaxThread)
	assert.Equal(t, 15, cfg.DefaultRateLimit.Limit)
	assert.Equal(t, 10*time.Second, cfg.RateLimits["clearbit"].Window.Duration)
	assert.Equal(t, "https://sync.example.com/api/v1/webhooks/s1", cfg.WebhookURL("s1"))
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"maxThread": 2}`)
	t.Setenv("SYNC_MAX_THREAD", "6")
	t.Setenv("SYNC_POLL_TIMEOUT", "5s")

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, 6, cfg.MaxThread)
	assert.Equal(t, 5*time.Second, cfg.PollTimeout.Duration)
}

func TestPreCheckConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(cfg *Config) {}, wantErr: false},
		{name: "unknown dialect", mutate: func(cfg *Config) { cfg.DatabaseDialect = "oracle" }, wantErr: true},
		{name: "bad public url", mutate: func(cfg *Config) { cfg.PublicBaseURL = "sync.example.com" }, wantErr: true},
		{name: "no threads", mutate: func(cfg *Config) { cfg.MaxThread = 0 }, wantErr: true},
		{name: "no poll timeout", mutate: func(cfg *Config) { cfg.PollTimeout = Duration{} }, wantErr: true},
		{name: "zero rate limit", mutate: func(cfg *Config) { cfg.DefaultRateLimit.Limit = 0 }, wantErr: true},
		{
			name: "bad api window",
			mutate: func(cfg *Config) {
				cfg.RateLimits = map[string]RateLimitConfig{"x": {Limit: 1}}
			},
			wantErr: true,
		},
		{name: "databend without table", mutate: func(cfg *Config) { cfg.DatabendDSN = "http://localhost:8000" }, wantErr: true},
		{
			name: "databend without timeout",
			mutate: func(cfg *Config) {
				cfg.DatabendDSN = "http://localhost:8000"
				cfg.DatabendTable = "default.changes"
				cfg.DatabendTimeout = Duration{}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := preCheckConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("preCheckConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
