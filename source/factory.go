package source

import (
	"database/sql"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

var driverNames = map[string]string{
	"postgres": "postgres",
	"mysql":    "mysql",
	"sqlite":   "sqlite",
}

// Factory builds the ChangeSource of a sync from its tagged source config and shares
// database handles between syncs reading the same dsn.
type Factory struct {
	mu     sync.Mutex
	dbs    map[string]*sql.DB
	client *http.Client
	gate   Gate
	clock  clock.Clock
}

func NewFactory(client *http.Client, gate Gate, clk clock.Clock) *Factory {
	if clk == nil {
		clk = clock.New()
	}
	return &Factory{dbs: map[string]*sql.DB{}, client: client, gate: gate, clock: clk}
}

// DB returns the cached handle for dialect and dsn, opening it on first use.
func (f *Factory) DB(dialect, dsn string) (*sql.DB, error) {
	driver, ok := driverNames[dialect]
	if !ok {
		return nil, terr.Wrapf(&terr.ConfigurationError, "unsupported dialect %q", dialect)
	}
	key := dialect + "|" + dsn
	f.mu.Lock()
	defer f.mu.Unlock()
	if db, ok := f.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "open %s: %v", dialect, err)
	}
	if dialect == "sqlite" && strings.Contains(dsn, ":memory:") {
		// every connection would get its own empty database otherwise
		db.SetMaxOpenConns(1)
	}
	f.dbs[key] = db
	return db, nil
}

func (f *Factory) For(s *models.Sync) (ChangeSource, error) {
	switch s.Source.Kind {
	case models.CapturePoll:
		if s.Source.Poll == nil {
			return nil, terr.Wrapf(&terr.ConfigurationError, "sync %s: poll settings missing", s.ID)
		}
		return NewPollSource(*s.Source.Poll, f.client, f.gate, f.clock), nil
	case models.CaptureTriggerLog:
		if s.Source.TriggerLog == nil {
			return nil, terr.Wrapf(&terr.ConfigurationError, "sync %s: trigger log settings missing", s.ID)
		}
		db, err := f.DB(s.Source.TriggerLog.Dialect, s.Source.TriggerLog.DSN)
		if err != nil {
			return nil, err
		}
		return NewTriggerLogSource(*s.Source.TriggerLog, db), nil
	case models.CaptureWebhook:
		return f.Webhook(s)
	}
	return nil, terr.Wrapf(&terr.ConfigurationError, "sync %s: unknown capture kind %q", s.ID, s.Source.Kind)
}

func (f *Factory) Webhook(s *models.Sync) (*WebhookSource, error) {
	if s.Source.Kind != models.CaptureWebhook || s.Source.Webhook == nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "sync %s does not accept webhook deliveries", s.ID)
	}
	return NewWebhookSource(*s.Source.Webhook, f.clock), nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for key, db := range f.dbs {
		if err := db.Close(); err != nil {
			logrus.Errorf("close source db %s: %v", strings.SplitN(key, "|", 2)[0], err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(f.dbs, key)
	}
	return firstErr
}
