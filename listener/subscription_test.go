package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/test-go/testify/assert"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

type fakeProvider struct {
	mu       sync.Mutex
	hooks    []Subscription
	failures int
	status   int
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer secret-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"webhooks": f.hooks})
	case http.MethodPost:
		var body struct {
			Webhook Subscription `json:"webhook"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.hooks = append(f.hooks, body.Webhook)
		w.WriteHeader(http.StatusCreated)
	}
}

func newSubscription(url, token string) *SubscriptionProvisioner {
	p := NewSubscriptionProvisioner(models.WebhookConfig{Provider: "shopify", RegisterURL: url, Token: token}, nil)
	p.Delay = 0
	return p
}

func TestSubscriptionProvisionerIsIdempotent(t *testing.T) {
	provider := &fakeProvider{failures: 1}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	p := newSubscription(srv.URL+"/admin/api/webhooks.json", "secret-token")
	ctx := context.Background()
	assert.NoError(t, p.EnsureListener(ctx, "orders", "https://sync.example.com/api/v1/webhooks/s1"))
	assert.NoError(t, p.EnsureListener(ctx, "orders", "https://sync.example.com/api/v1/webhooks/s1"))

	assert.Len(t, provider.hooks, 3)
	topics := map[string]bool{}
	for _, h := range provider.hooks {
		topics[h.Topic] = true
		assert.Equal(t, "json", h.Format)
	}
	assert.True(t, topics["orders/create"])
	assert.True(t, topics["orders/updated"])
	assert.True(t, topics["orders/delete"])
}

func TestShopifyTopics(t *testing.T) {
	tests := []struct {
		table string
		want  []string
	}{
		{"orders", []string{"orders/create", "orders/updated", "orders/delete"}},
		{"products", []string{"products/create", "products/update", "products/delete"}},
		{"customers", []string{"customers/create", "customers/update", "customers/delete"}},
	}
	p := NewSubscriptionProvisioner(models.WebhookConfig{Provider: "shopify"}, nil)
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Topics(tt.table), tt.table)
	}

	explicit := NewSubscriptionProvisioner(models.WebhookConfig{Provider: "shopify", Topics: []string{"products/update"}}, nil)
	assert.Equal(t, []string{"products/update"}, explicit.Topics("products"))
}

func TestSubscriptionProvisionerErrors(t *testing.T) {
	provider := &fakeProvider{}
	srv := httptest.NewServer(provider)
	defer srv.Close()
	ctx := context.Background()

	err := newSubscription(srv.URL, "stale").EnsureListener(ctx, "orders", "https://sync.example.com/hook")
	assert.True(t, terr.Is(err, &terr.AuthExpired))

	provider.status = http.StatusUnprocessableEntity
	err = newSubscription(srv.URL, "secret-token").EnsureListener(ctx, "orders", "https://sync.example.com/hook")
	assert.True(t, terr.Is(err, &terr.ConfigurationError))

	provider.status = http.StatusServiceUnavailable
	err = newSubscription(srv.URL, "secret-token").EnsureListener(ctx, "orders", "https://sync.example.com/hook")
	assert.True(t, terr.Is(err, &terr.SourceUnavailable))

	err = newSubscription(srv.URL, "secret-token").EnsureListener(ctx, "orders", "ftp://sync.example.com/hook")
	assert.True(t, terr.Is(err, &terr.ConfigurationError))
}
