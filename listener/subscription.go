package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

type Subscription struct {
	Topic   string `json:"topic"`
	Address string `json:"address"`
	Format  string `json:"format,omitempty"`
}

// SubscriptionProvisioner registers push subscriptions at a provider REST endpoint
// that lists subscriptions on GET and creates one per POST.
type SubscriptionProvisioner struct {
	cfg    models.WebhookConfig
	client *http.Client
	// Attempts bounds the registration retries of one call
	Attempts uint
	Delay    time.Duration
}

var _ Provisioner = (*SubscriptionProvisioner)(nil)

func NewSubscriptionProvisioner(cfg models.WebhookConfig, client *http.Client) *SubscriptionProvisioner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &SubscriptionProvisioner{cfg: cfg.WithDefaults(), client: client, Attempts: 3, Delay: time.Second}
}

// Topics lists the provider topics a table subscribes to.
func (p *SubscriptionProvisioner) Topics(table string) []string {
	if len(p.cfg.Topics) > 0 {
		return p.cfg.Topics
	}
	if p.cfg.Provider == "shopify" {
		// orders is the one shopify resource whose update topic is past tense
		update := "/update"
		if table == "orders" {
			update = "/updated"
		}
		return []string{table + "/create", table + update, table + "/delete"}
	}
	return []string{table}
}

func (p *SubscriptionProvisioner) EnsureListener(ctx context.Context, table, webhookURL string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return err
	}

	var existing []Subscription
	err := p.doRetry(ctx, func() error {
		var err error
		existing, err = p.list(ctx)
		return err
	})
	if err != nil {
		return err
	}
	registered := map[string]bool{}
	for _, s := range existing {
		if s.Address == webhookURL {
			registered[s.Topic] = true
		}
	}
	for _, topic := range p.Topics(table) {
		if registered[topic] {
			continue
		}
		topic := topic
		if err := p.doRetry(ctx, func() error { return p.create(ctx, topic, webhookURL) }); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"table": table, "topic": topic, "address": webhookURL}).Info("webhook subscription registered")
	}
	return nil
}

func (p *SubscriptionProvisioner) doRetry(ctx context.Context, f retry.RetryableFunc) error {
	return retry.Do(
		f,
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(terr.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			logrus.Warnf("retry webhook registration (%d): %v", n+1, err)
		}),
	)
}

func (p *SubscriptionProvisioner) list(ctx context.Context) ([]Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.RegisterURL, nil)
	if err != nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "list subscriptions: %v", err)
	}
	var out struct {
		Webhooks []Subscription `json:"webhooks"`
	}
	if err := p.do(req, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

func (p *SubscriptionProvisioner) create(ctx context.Context, topic, address string) error {
	body, err := json.Marshal(map[string]Subscription{"webhook": {Topic: topic, Address: address, Format: "json"}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RegisterURL, bytes.NewReader(body))
	if err != nil {
		return terr.Wrapf(&terr.ConfigurationError, "create subscription: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, nil)
}

func (p *SubscriptionProvisioner) do(req *http.Request, out interface{}) error {
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return terr.Wrapf(&terr.SourceUnavailable, "%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if err := StatusError(resp, fmt.Sprintf("%s %s", req.Method, req.URL.Path)); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return terr.Wrapf(&terr.SourceUnavailable, "%s %s: decode response: %v", req.Method, req.URL.Path, err)
	}
	return nil
}

// StatusError maps a provider response status onto the error taxonomy.
func StatusError(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return terr.Wrapf(&terr.AuthExpired, "%s: status %d: %s", op, resp.StatusCode, body)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return terr.Wrapf(&terr.SourceUnavailable, "%s: status %d: %s", op, resp.StatusCode, body)
	default:
		return terr.Wrapf(&terr.ConfigurationError, "%s: status %d: %s", op, resp.StatusCode, body)
	}
}
