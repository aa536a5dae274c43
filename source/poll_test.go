package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/test-go/testify/assert"

	"github.com/databendcloud/sync-dispatch/cursor"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

var productsMapping = models.TableMapping{
	SourceTable:         "products",
	DestinationTable:    "Products",
	Direction:           models.SourceToDestination,
	ChangeTrackingField: "modified_at",
}

type recordedRequest struct {
	filter string
	offset string
	auth   string
}

func pagedServer(t *testing.T, requests *[]recordedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/app1/products", r.URL.Path)
		q := r.URL.Query()
		*requests = append(*requests, recordedRequest{
			filter: q.Get("filterByFormula"),
			offset: q.Get("offset"),
			auth:   r.Header.Get("Authorization"),
		})
		var page map[string]interface{}
		switch q.Get("offset") {
		case "":
			page = map[string]interface{}{
				"records": []map[string]interface{}{
					{"id": "rec1", "createdTime": "2023-06-01T00:00:00Z", "fields": map[string]interface{}{"name": "chair", "modified_at": "2024-01-02T00:00:00Z"}},
					{"id": "rec2", "createdTime": "2024-01-03T00:00:00Z", "fields": map[string]interface{}{"name": "desk", "modified_at": "2024-01-03T00:00:00Z"}},
				},
				"offset": "itr2",
			}
		case "itr2":
			page = map[string]interface{}{
				"records": []map[string]interface{}{
					{"id": "rec3", "createdTime": "2023-01-01T00:00:00Z", "fields": map[string]interface{}{"name": "lamp", "modified_at": "2024-01-04T00:00:00Z"}},
				},
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
}

func newTestPollSource(srvURL string, clk clock.Clock, gate Gate) *PollSource {
	return NewPollSource(models.PollConfig{
		BaseURL:      srvURL,
		Token:        "pat123",
		PathTemplate: "/v0/app1/{{table_name}}",
		CreatedField: "createdTime",
		APIID:        "airtable",
	}, &http.Client{Timeout: time.Second}, gate, clk)
}

func TestPollSourceFollowsPagination(t *testing.T) {
	var requests []recordedRequest
	srv := pagedServer(t, &requests)
	defer srv.Close()

	clk := clock.NewMock()
	pollStart := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	clk.Set(pollStart)
	src := newTestPollSource(srv.URL, clk, nil)

	last := cursor.Timestamp(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	stream, err := src.Poll(context.Background(), productsMapping, last)
	assert.NoError(t, err)
	// remote time moving on while paging must not move the cursor
	clk.Add(time.Minute)
	batch, next, err := Collect(context.Background(), stream)
	assert.NoError(t, err)

	assert.Len(t, batch, 3)
	assert.Equal(t, cursor.Timestamp(pollStart), next)
	assert.Len(t, requests, 2)
	assert.Equal(t, "IS_AFTER({modified_at}, '2024-01-01T00:00:00Z')", requests[0].filter)
	assert.Equal(t, "itr2", requests[1].offset)
	assert.Equal(t, "Bearer pat123", requests[0].auth)

	assert.Equal(t, models.OpUpdate, batch[0].Operation)
	assert.Equal(t, models.OpInsert, batch[1].Operation)
	assert.Equal(t, "rec2", batch[1].Key)
	assert.Equal(t, "desk", batch[1].Row["name"])
	assert.Equal(t, "rec3@2024-01-04T00:00:00Z", batch[2].Position)
	assert.Equal(t, "products", batch[2].Table)
}

func TestPollSourceFullSync(t *testing.T) {
	var requests []recordedRequest
	srv := pagedServer(t, &requests)
	defer srv.Close()

	src := newTestPollSource(srv.URL, clock.NewMock(), nil)
	stream, err := src.Poll(context.Background(), productsMapping, cursor.Cursor{})
	assert.NoError(t, err)
	batch, _, err := Collect(context.Background(), stream)
	assert.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, "", requests[0].filter)
	for _, r := range batch {
		assert.Equal(t, models.OpInsert, r.Operation)
	}
}

func TestPollSourceStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   *terr.SyncError
	}{
		{http.StatusUnauthorized, &terr.AuthExpired},
		{http.StatusForbidden, &terr.AuthExpired},
		{http.StatusBadRequest, &terr.ConfigurationError},
		{http.StatusNotFound, &terr.ConfigurationError},
		{http.StatusUnprocessableEntity, &terr.ConfigurationError},
		{http.StatusTooManyRequests, &terr.SourceUnavailable},
		{http.StatusInternalServerError, &terr.SourceUnavailable},
		{http.StatusBadGateway, &terr.SourceUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			stream, err := newTestPollSource(srv.URL, clock.NewMock(), nil).Poll(context.Background(), productsMapping, cursor.Cursor{})
			assert.NoError(t, err)
			batch, next, err := Collect(context.Background(), stream)
			assert.True(t, terr.Is(err, tt.want), "got %v", err)
			assert.Nil(t, batch)
			assert.True(t, next.IsZero())
		})
	}
}

func TestPollSourceTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stream, err := newTestPollSource(srv.URL, clock.NewMock(), nil).Poll(ctx, productsMapping, cursor.Cursor{})
	assert.NoError(t, err)
	_, _, err = Collect(ctx, stream)
	assert.True(t, terr.Is(err, &terr.SourceUnavailable))
}

type denyGate struct {
	calls int
}

func (g *denyGate) Invoke(_ context.Context, apiID string, _ func(ctx context.Context) error) error {
	g.calls++
	return terr.Wrapf(&terr.RateLimitExceeded, "api %s", apiID)
}

func TestPollSourceIsGated(t *testing.T) {
	var requests []recordedRequest
	srv := pagedServer(t, &requests)
	defer srv.Close()

	gate := &denyGate{}
	stream, err := newTestPollSource(srv.URL, clock.NewMock(), gate).Poll(context.Background(), productsMapping, cursor.Cursor{})
	assert.NoError(t, err)
	_, _, err = Collect(context.Background(), stream)
	assert.True(t, terr.Is(err, &terr.RateLimitExceeded))
	assert.Equal(t, 1, gate.calls)
	assert.Len(t, requests, 0)
}

func TestPollSourceRejectsBadTableName(t *testing.T) {
	src := newTestPollSource("http://127.0.0.1:1", clock.NewMock(), nil)
	bad := productsMapping
	bad.SourceTable = "products'; --"
	_, err := src.Poll(context.Background(), bad, cursor.Cursor{})
	assert.True(t, terr.Is(err, &terr.ConfigurationError))
}

func TestPollSourceRejectsNonObjectRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"records":[{"id":"rec1","fields":{"name":"chair"}},"rec2",42]}`))
	}))
	defer srv.Close()

	stream, err := newTestPollSource(srv.URL, clock.NewMock(), nil).Poll(context.Background(), productsMapping, cursor.Cursor{})
	assert.NoError(t, err)
	batch, next, err := Collect(context.Background(), stream)
	assert.True(t, terr.Is(err, &terr.ConfigurationError), "got %v", err)
	assert.Contains(t, err.Error(), "entry 1")
	assert.Nil(t, batch)
	assert.True(t, next.IsZero())
}
