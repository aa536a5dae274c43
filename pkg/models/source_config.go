package models

import (
	"strings"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

// CaptureKind tags how changes are detected; it is the only axis the engine varies on.
type CaptureKind string

const (
	CapturePoll       CaptureKind = "poll"
	CaptureTriggerLog CaptureKind = "trigger_log"
	CaptureWebhook    CaptureKind = "webhook"
)

// SourceConfig is a tagged union: exactly one of Poll, TriggerLog or Webhook is set
// and it must match Kind.
type SourceConfig struct {
	Kind       CaptureKind       `json:"kind"`
	Poll       *PollConfig       `json:"poll,omitempty"`
	TriggerLog *TriggerLogConfig `json:"triggerLog,omitempty"`
	Webhook    *WebhookConfig    `json:"webhook,omitempty"`
}

type PollConfig struct {
	BaseURL        string `json:"baseURL"`
	Token          string `json:"token"`
	PathTemplate   string `json:"pathTemplate"` // e.g. /v0/app123/{{table_name}}
	FilterParam    string `json:"filterParam,omitempty"`
	FilterTemplate string `json:"filterTemplate,omitempty"`
	ModifiedField  string `json:"modifiedField,omitempty"`
	CreatedField   string `json:"createdField,omitempty"`
	RecordsField   string `json:"recordsField,omitempty"`
	IDField        string `json:"idField,omitempty"`
	OffsetField    string `json:"offsetField,omitempty"`
	OffsetParam    string `json:"offsetParam,omitempty"`
	PageSizeParam  string `json:"pageSizeParam,omitempty"`
	PageSize       int    `json:"pageSize,omitempty"`
	APIID          string `json:"apiId,omitempty"` // rate limit key, empty disables admission control
}

type TriggerLogConfig struct {
	Dialect    string `json:"dialect"` // postgres, mysql, sqlite
	DSN        string `json:"dsn"`
	PrimaryKey string `json:"primaryKey,omitempty"`
	BatchSize  int    `json:"batchSize,omitempty"`
}

type WebhookConfig struct {
	Provider string   `json:"provider"` // generic, shopify
	Secret   string   `json:"secret,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	// Subscription registration at the provider, optional
	RegisterURL string `json:"registerURL,omitempty"`
	Token       string `json:"token,omitempty"`
	KeyField    string `json:"keyField,omitempty"`
}

func (c PollConfig) WithDefaults() PollConfig {
	if c.FilterParam == "" {
		c.FilterParam = "filterByFormula"
	}
	if c.FilterTemplate == "" {
		c.FilterTemplate = "IS_AFTER({{{field}}}, '{{cursor}}')"
	}
	if c.RecordsField == "" {
		c.RecordsField = "records"
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.OffsetField == "" {
		c.OffsetField = "offset"
	}
	if c.OffsetParam == "" {
		c.OffsetParam = "offset"
	}
	if c.PageSizeParam == "" {
		c.PageSizeParam = "pageSize"
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	return c
}

func (c TriggerLogConfig) WithDefaults() TriggerLogConfig {
	if c.PrimaryKey == "" {
		c.PrimaryKey = "id"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

func (c WebhookConfig) WithDefaults() WebhookConfig {
	if c.Provider == "" {
		c.Provider = "generic"
	}
	if c.KeyField == "" {
		c.KeyField = "id"
	}
	return c
}

func (c SourceConfig) Validate() error {
	set := 0
	for _, present := range []bool{c.Poll != nil, c.TriggerLog != nil, c.Webhook != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return terr.Wrapf(&terr.ConfigurationError, "source config must carry exactly one variant, got %d", set)
	}
	switch c.Kind {
	case CapturePoll:
		if c.Poll == nil {
			return terr.Wrapf(&terr.ConfigurationError, "source kind poll without poll settings")
		}
		if !hasHTTPScheme(c.Poll.BaseURL) {
			return terr.Wrapf(&terr.ConfigurationError, "poll baseURL %q must start with http:// or https://", c.Poll.BaseURL)
		}
		if c.Poll.PathTemplate == "" {
			return terr.Wrapf(&terr.ConfigurationError, "poll pathTemplate is required")
		}
	case CaptureTriggerLog:
		if c.TriggerLog == nil {
			return terr.Wrapf(&terr.ConfigurationError, "source kind trigger_log without trigger log settings")
		}
		switch c.TriggerLog.Dialect {
		case "postgres", "mysql", "sqlite":
		default:
			return terr.Wrapf(&terr.ConfigurationError, "unsupported trigger log dialect %q", c.TriggerLog.Dialect)
		}
		if c.TriggerLog.DSN == "" {
			return terr.Wrapf(&terr.ConfigurationError, "trigger log dsn is required")
		}
	case CaptureWebhook:
		if c.Webhook == nil {
			return terr.Wrapf(&terr.ConfigurationError, "source kind webhook without webhook settings")
		}
		switch c.Webhook.Provider {
		case "", "generic", "shopify":
		default:
			return terr.Wrapf(&terr.ConfigurationError, "unsupported webhook provider %q", c.Webhook.Provider)
		}
		if c.Webhook.RegisterURL != "" && !hasHTTPScheme(c.Webhook.RegisterURL) {
			return terr.Wrapf(&terr.ConfigurationError, "webhook registerURL %q must start with http:// or https://", c.Webhook.RegisterURL)
		}
	default:
		return terr.Wrapf(&terr.ConfigurationError, "unknown capture kind %q", c.Kind)
	}
	return nil
}

func hasHTTPScheme(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
