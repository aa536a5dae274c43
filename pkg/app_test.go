package pkg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/test-go/testify/assert"

	"github.com/databendcloud/sync-dispatch/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DatabaseDSN = filepath.Join(t.TempDir(), "sync.db")
	cfg.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestNewAppServesRoutes(t *testing.T) {
	app, err := NewApp(testConfig(t))
	assert.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := `{"teamId":"team1","source":{"kind":"webhook","webhook":{}},
		"tableMappings":[{"sourceTable":"orders","destinationTable":"orders","direction":"both"}],"schedule":"daily"}`
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/syncs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	syncs, err := app.Logic.ListSyncs(context.Background(), "team1")
	assert.NoError(t, err)
	assert.Len(t, syncs, 1)
}

func TestRunOnceWithNothingDue(t *testing.T) {
	app, err := NewApp(testConfig(t))
	assert.NoError(t, err)
	defer app.Close()

	report, err := app.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, report.Due)
}

func TestRunStopsWithContext(t *testing.T) {
	app, err := NewApp(testConfig(t))
	assert.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewAppRejectsUnknownDialect(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseDialect = "oracle"
	_, err := NewApp(cfg)
	assert.Error(t, err)
}
