package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Duration accepts "30s" style values from both the JSON file and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.Decode(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	if strings.TrimSpace(value) == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type RateLimitConfig struct {
	Limit  int      `json:"limit"`
	Window Duration `json:"window"`
}

type Config struct {
	// Persistence for syncs, jobs, cursors and staged changes
	DatabaseDialect string `json:"databaseDialect" envconfig:"DATABASE_DIALECT"` // sqlite or postgres
	DatabaseDSN     string `json:"databaseDSN" envconfig:"DATABASE_DSN"`

	// HTTP surface
	ListenAddr    string `json:"listenAddr" envconfig:"LISTEN_ADDR"`
	PublicBaseURL string `json:"publicBaseURL" envconfig:"PUBLIC_BASE_URL"` // webhook urls are built from it

	// Scheduling
	TickInterval Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxThread    int      `json:"maxThread" envconfig:"MAX_THREAD"`
	PollTimeout  Duration `json:"pollTimeout" envconfig:"POLL_TIMEOUT"`
	HTTPTimeout  Duration `json:"httpTimeout" envconfig:"HTTP_TIMEOUT"`

	// Admission control, keyed by api id
	DefaultRateLimit RateLimitConfig            `json:"defaultRateLimit"`
	RateLimits       map[string]RateLimitConfig `json:"rateLimits"`

	// Shared state; when set the limiter and per-sync locks use redis
	RedisAddr string   `json:"redisAddr" envconfig:"REDIS_ADDR"`
	LockTTL   Duration `json:"lockTTL" envconfig:"LOCK_TTL"`

	LogLevel  string `json:"logLevel" envconfig:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" envconfig:"LOG_FORMAT"` // text or json

	// Change log retention for trigger-log sources
	PruneChangeLogs bool `json:"pruneChangeLogs" envconfig:"PRUNE_CHANGE_LOGS"`

	// Optional archive of every handed-off change batch, related docs:
	// https://docs.databend.com/sql/sql-commands/dml/dml-copy-into-table
	DatabendDSN     string   `json:"databendDSN" envconfig:"DATABEND_DSN"`
	DatabendTable   string   `json:"databendTable" envconfig:"DATABEND_TABLE"`
	UserStage       string   `json:"userStage" envconfig:"USER_STAGE"`
	CopyPurge       bool     `json:"copyPurge" envconfig:"COPY_PURGE"`
	DatabendTimeout Duration `json:"databendTimeout" envconfig:"DATABEND_TIMEOUT"` // bounds each presigned stage upload
}

func DefaultConfig() *Config {
	return &Config{
		DatabaseDialect:  "sqlite",
		DatabaseDSN:      "sync.db",
		ListenAddr:       ":8080",
		PublicBaseURL:    "http://localhost:8080",
		TickInterval:     Duration{30 * time.Second},
		MaxThread:        4,
		PollTimeout:      Duration{30 * time.Second},
		HTTPTimeout:      Duration{20 * time.Second},
		DefaultRateLimit: RateLimitConfig{Limit: 15, Window: Duration{60 * time.Second}},
		LockTTL:          Duration{5 * time.Minute},
		LogLevel:         "info",
		LogFormat:        "text",
		UserStage:        "~",
		DatabendTimeout:  Duration{120 * time.Second},
	}
}

// LoadConfig reads the JSON file over the defaults, then applies SYNC_* environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	conf := DefaultConfig()

	if configFile != "" {
		f, err := os.Open(configFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		decoder := json.NewDecoder(f)
		if err := decoder.Decode(conf); err != nil {
			return nil, errors.Wrapf(err, "decode config file %s", configFile)
		}
	}
	if err := envconfig.Process("SYNC", conf); err != nil {
		return nil, errors.Wrap(err, "apply environment overrides")
	}
	if err := preCheckConfig(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func preCheckConfig(cfg *Config) error {
	switch cfg.DatabaseDialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported databaseDialect %q, option is: sqlite, postgres", cfg.DatabaseDialect)
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("databaseDSN must be set")
	}
	if !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return fmt.Errorf("publicBaseURL must start with http:// or https://, got %q", cfg.PublicBaseURL)
	}
	if cfg.MaxThread <= 0 {
		return errors.New("maxThread must be positive")
	}
	if cfg.TickInterval.Duration <= 0 {
		return errors.New("tickInterval must be positive")
	}
	if cfg.PollTimeout.Duration <= 0 {
		return errors.New("pollTimeout must be positive, polls never run unbounded")
	}
	if err := checkRateLimit("defaultRateLimit", cfg.DefaultRateLimit); err != nil {
		return err
	}
	for apiID, rl := range cfg.RateLimits {
		if err := checkRateLimit("rateLimits."+apiID, rl); err != nil {
			return err
		}
	}
	if cfg.DatabendDSN != "" && cfg.DatabendTable == "" {
		return errors.New("databendTable must be set when databendDSN is set")
	}
	if cfg.DatabendDSN != "" && cfg.DatabendTimeout.Duration <= 0 {
		return errors.New("databendTimeout must be positive when databendDSN is set")
	}
	return nil
}

func checkRateLimit(name string, rl RateLimitConfig) error {
	if rl.Limit <= 0 {
		return fmt.Errorf("%s.limit must be positive", name)
	}
	if rl.Window.Duration <= 0 {
		return fmt.Errorf("%s.window must be positive", name)
	}
	return nil
}

func (cfg *Config) WebhookURL(syncID string) string {
	return fmt.Sprintf("%s/api/v1/webhooks/%s", strings.TrimRight(cfg.PublicBaseURL, "/"), syncID)
}

func InitLogging(cfg *Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
