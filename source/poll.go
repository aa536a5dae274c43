package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/cursor"
	"github.com/databendcloud/sync-dispatch/listener"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// PollSource pages a REST api with a "modified after cursor" filter. The committed
// cursor is the time the poll started, so rows written while paging are seen again
// next tick instead of being skipped.
type PollSource struct {
	cfg    models.PollConfig
	client *http.Client
	gate   Gate
	clock  clock.Clock
}

var _ ChangeSource = (*PollSource)(nil)

func NewPollSource(cfg models.PollConfig, client *http.Client, gate Gate, clk clock.Clock) *PollSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PollSource{cfg: cfg.WithDefaults(), client: client, gate: gate, clock: clk}
}

func (s *PollSource) Kind() models.CaptureKind {
	return models.CapturePoll
}

func (s *PollSource) Poll(ctx context.Context, table models.TableMapping, from cursor.Cursor) (ChangeStream, error) {
	since, err := from.Time()
	if err != nil {
		return nil, err
	}
	field := table.ChangeTrackingField
	if field == "" {
		field = s.cfg.ModifiedField
	}
	path, err := listener.FillTemplate(s.cfg.PathTemplate, listener.Params{
		Values: map[string]string{listener.ParamTableName: table.SourceTable},
	})
	if err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + path)
	if err != nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "poll url for %s: %v", table.SourceTable, err)
	}
	query := endpoint.Query()
	if !from.IsZero() {
		filter, err := listener.FillTemplate(s.cfg.FilterTemplate, listener.Params{
			Values: map[string]string{"field": field, "cursor": since.UTC().Format(time.RFC3339Nano)},
		})
		if err != nil {
			return nil, err
		}
		query.Set(s.cfg.FilterParam, filter)
	}
	query.Set(s.cfg.PageSizeParam, strconv.Itoa(s.cfg.PageSize))
	endpoint.RawQuery = query.Encode()

	return &pollStream{
		src:       s,
		table:     table.SourceTable,
		field:     field,
		since:     since,
		fullSync:  from.IsZero(),
		endpoint:  endpoint,
		pollStart: s.clock.Now(),
	}, nil
}

type pollStream struct {
	src       *PollSource
	table     string
	field     string
	since     time.Time
	fullSync  bool
	endpoint  *url.URL
	pollStart time.Time
	offset    string
	pages     int
	done      bool
}

func (p *pollStream) Next(ctx context.Context) ([]models.ChangeRecord, error) {
	if p.done {
		return nil, io.EOF
	}
	var page map[string]interface{}
	fetch := func(ctx context.Context) error {
		var err error
		page, err = p.fetch(ctx)
		return err
	}
	var err error
	if p.src.gate != nil && p.src.cfg.APIID != "" {
		err = p.src.gate.Invoke(ctx, p.src.cfg.APIID, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return nil, err
	}
	p.pages++

	raw, ok := page[p.src.cfg.RecordsField]
	if !ok {
		return nil, terr.Wrapf(&terr.ConfigurationError, "poll %s: response has no %q field", p.table, p.src.cfg.RecordsField)
	}
	items, ok := raw.([]interface{})
	if !ok && raw != nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "poll %s: %q is not a list", p.table, p.src.cfg.RecordsField)
	}
	records := make([]models.ChangeRecord, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, terr.Wrapf(&terr.ConfigurationError, "poll %s: %q entry %d is %T, not an object", p.table, p.src.cfg.RecordsField, i, item)
		}
		records = append(records, p.toChangeRecord(rec))
	}

	next, _ := page[p.src.cfg.OffsetField].(string)
	p.offset = next
	if next == "" {
		p.done = true
		logrus.WithFields(logrus.Fields{"table": p.table, "pages": p.pages}).Debug("poll drained")
	}
	return records, nil
}

func (p *pollStream) fetch(ctx context.Context) (map[string]interface{}, error) {
	u := *p.endpoint
	if p.offset != "" {
		q := u.Query()
		q.Set(p.src.cfg.OffsetParam, p.offset)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "poll %s: %v", p.table, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.src.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.src.cfg.Token)
	}
	resp, err := p.src.client.Do(req)
	if err != nil {
		// timeouts land here too and are retried next tick
		return nil, terr.Wrapf(&terr.SourceUnavailable, "poll %s: %v", p.table, err)
	}
	defer resp.Body.Close()
	if err := listener.StatusError(resp, "poll "+p.table); err != nil {
		return nil, err
	}
	var page map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, terr.Wrapf(&terr.SourceUnavailable, "poll %s: decode page: %v", p.table, err)
	}
	return page, nil
}

func (p *pollStream) toChangeRecord(rec map[string]interface{}) models.ChangeRecord {
	row := rec
	if fields, ok := rec["fields"].(map[string]interface{}); ok {
		row = fields
	}
	id := fmt.Sprint(rec[p.src.cfg.IDField])
	modified := fmt.Sprint(lookup(row, rec, p.field))

	op := models.OpUpdate
	if p.fullSync {
		op = models.OpInsert
	} else if p.src.cfg.CreatedField != "" {
		if created, ok := parseTime(lookup(row, rec, p.src.cfg.CreatedField)); ok && created.After(p.since) {
			op = models.OpInsert
		}
	}
	return models.ChangeRecord{
		Operation:  op,
		Table:      p.table,
		Key:        id,
		Row:        row,
		Position:   id + "@" + modified,
		ObservedAt: p.pollStart,
	}
}

func (p *pollStream) Cursor() cursor.Cursor {
	return cursor.Timestamp(p.pollStart)
}

func (p *pollStream) Close() error {
	p.done = true
	return nil
}

func lookup(row, rec map[string]interface{}, field string) interface{} {
	if v, ok := row[field]; ok {
		return v
	}
	return rec[field]
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}
