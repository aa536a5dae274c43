package source

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/databendcloud/sync-dispatch/cursor"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

const (
	HeaderSignature      = "X-Signature-256"
	HeaderDeliveryID     = "X-Webhook-Id"
	HeaderShopifyHmac    = "X-Shopify-Hmac-Sha256"
	HeaderShopifyTopic   = "X-Shopify-Topic"
	HeaderShopifyEventID = "X-Shopify-Webhook-Id"
)

// WebhookSource is push driven: Poll never yields anything and there is no cursor.
// Deliveries arrive through Decode and may repeat; positions are stable per delivery.
type WebhookSource struct {
	cfg   models.WebhookConfig
	clock clock.Clock
}

var _ ChangeSource = (*WebhookSource)(nil)

func NewWebhookSource(cfg models.WebhookConfig, clk clock.Clock) *WebhookSource {
	if clk == nil {
		clk = clock.New()
	}
	return &WebhookSource{cfg: cfg.WithDefaults(), clock: clk}
}

func (s *WebhookSource) Kind() models.CaptureKind {
	return models.CaptureWebhook
}

func (s *WebhookSource) Poll(context.Context, models.TableMapping, cursor.Cursor) (ChangeStream, error) {
	return emptyStream{}, nil
}

// Verify checks the delivery signature when a secret is configured.
func (s *WebhookSource) Verify(header http.Header, body []byte) error {
	if s.cfg.Secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)

	switch s.cfg.Provider {
	case "shopify":
		got, err := base64.StdEncoding.DecodeString(header.Get(HeaderShopifyHmac))
		if err != nil || !hmac.Equal(got, sum) {
			return ErrInvalidSignature
		}
	default:
		sig := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(header.Get(HeaderSignature))), "sha256=")
		if sig == "" || !hmac.Equal([]byte(sig), []byte(hex.EncodeToString(sum))) {
			return ErrInvalidSignature
		}
	}
	return nil
}

// Decode turns one delivery into change records.
func (s *WebhookSource) Decode(header http.Header, body []byte) ([]models.ChangeRecord, error) {
	if s.cfg.Provider == "shopify" {
		return s.decodeShopify(header, body)
	}
	return s.decodeGeneric(header, body)
}

type genericEvent struct {
	ID        string                 `json:"id"`
	Table     string                 `json:"table"`
	Operation string                 `json:"operation"`
	Key       json.RawMessage        `json:"key"`
	Row       map[string]interface{} `json:"row"`
	OldRow    map[string]interface{} `json:"oldRow"`
}

type genericBatch struct {
	Events []genericEvent `json:"events"`
}

func (s *WebhookSource) decodeGeneric(header http.Header, body []byte) ([]models.ChangeRecord, error) {
	// a batch is an object with a top-level events key; row columns may be named events too
	var top map[string]json.RawMessage
	if err := decodeJSON(body, &top); err != nil {
		return nil, err
	}
	var events []genericEvent
	if _, ok := top["events"]; ok {
		var batch genericBatch
		if err := decodeJSON(body, &batch); err != nil {
			return nil, err
		}
		events = batch.Events
	} else {
		var ev genericEvent
		if err := decodeJSON(body, &ev); err != nil {
			return nil, err
		}
		events = []genericEvent{ev}
	}

	delivery := header.Get(HeaderDeliveryID)
	if delivery == "" {
		delivery = contentID(body)
	}
	now := s.clock.Now()
	records := make([]models.ChangeRecord, 0, len(events))
	for i, ev := range events {
		op, ok := models.ParseOperation(ev.Operation)
		if !ok || ev.Table == "" {
			return nil, errors.Wrapf(ErrMalformedPayload, "event %d: table and operation are required", i)
		}
		key := keyString(ev.Key)
		if key == "" {
			row := ev.Row
			if row == nil {
				row = ev.OldRow
			}
			key = fmt.Sprint(row[s.cfg.KeyField])
		}
		position := ev.ID
		if position == "" {
			position = fmt.Sprintf("%s#%d", delivery, i)
		}
		records = append(records, models.ChangeRecord{
			Operation:  op,
			Table:      ev.Table,
			Key:        key,
			Row:        ev.Row,
			OldRow:     ev.OldRow,
			Position:   position,
			ObservedAt: now,
		})
	}
	return records, nil
}

// decodeShopify maps the topic header, e.g. products/update, onto table and operation.
func (s *WebhookSource) decodeShopify(header http.Header, body []byte) ([]models.ChangeRecord, error) {
	topic := header.Get(HeaderShopifyTopic)
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, errors.Wrapf(ErrMalformedPayload, "topic %q", topic)
	}
	op, ok := models.ParseOperation(parts[1])
	if !ok {
		return nil, errors.Wrapf(ErrMalformedPayload, "topic %q has no known operation", topic)
	}
	var row map[string]interface{}
	if err := decodeJSON(body, &row); err != nil {
		return nil, err
	}
	key := fmt.Sprint(row[s.cfg.KeyField])
	position := header.Get(HeaderShopifyEventID)
	if position == "" {
		position = contentID(body)
	}
	rec := models.ChangeRecord{
		Operation:  op,
		Table:      parts[0],
		Key:        key,
		Position:   position,
		ObservedAt: s.clock.Now(),
	}
	if op == models.OpDelete {
		rec.OldRow = row
	} else {
		rec.Row = row
	}
	return []models.ChangeRecord{rec}, nil
}

func decodeJSON(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(ErrMalformedPayload, "%v", err)
	}
	return nil
}

func keyString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// contentID keeps redeliveries of the same body on the same position.
func contentID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
