package listener

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// Provisioner installs the change tracking a source variant depends on. Calling
// EnsureListener twice with the same arguments leaves the same state as calling it once.
type Provisioner interface {
	EnsureListener(ctx context.Context, table, webhookURL string) error
}

// Executor is the part of *sql.DB the SQL provisioner needs.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type Column struct {
	Name       string
	PrimaryKey bool
}

type SQLProvisioner struct {
	dialectName string
	dialect     dialect
	exec        Executor
	// KeyColumn is used when the table has no primary key
	KeyColumn string
}

var _ Provisioner = (*SQLProvisioner)(nil)

func NewSQLProvisioner(dialectName string, exec Executor) (*SQLProvisioner, error) {
	d, ok := dialects[dialectName]
	if !ok {
		return nil, terr.Wrapf(&terr.ConfigurationError, "unsupported listener dialect %q, option is: %s",
			dialectName, strings.Join(SupportedDialects(), ", "))
	}
	return &SQLProvisioner{dialectName: dialectName, dialect: d, exec: exec, KeyColumn: "id"}, nil
}

// EnsureListener validates the parameters before touching the executor, then
// introspects the table and runs the rendered script statement by statement.
func (p *SQLProvisioner) EnsureListener(ctx context.Context, table, webhookURL string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return err
	}
	columns, err := p.Columns(ctx, table)
	if err != nil {
		return err
	}
	script, err := p.Render(table, webhookURL, columns)
	if err != nil {
		return err
	}
	for i, stmt := range script {
		if _, err := p.exec.ExecContext(ctx, stmt); err != nil {
			return classifyExec(err, "install listener on %s: statement %d of %d", table, i+1, len(script))
		}
	}
	logrus.WithFields(logrus.Fields{
		"dialect":   p.dialectName,
		"table":     table,
		"log_table": LogTableName(table),
	}).Info("listener installed")
	return nil
}

// classifyExec tells a database that could not be reached apart from one that
// rejected the listener DDL.
func classifyExec(err error, format string, args ...interface{}) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return terr.Wrapf(&terr.SourceUnavailable, format+": %v", append(args, err)...)
	}
	return terr.Wrapf(&terr.ConfigurationError, format+": %v", append(args, err)...)
}

// Columns reads the column list of table. A table without columns does not exist.
func (p *SQLProvisioner) Columns(ctx context.Context, table string) ([]Column, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	schema, name := splitTable(table)
	rows, err := p.exec.QueryContext(ctx, p.dialect.columnsQuery, p.dialect.columnsArgs(schema, name)...)
	if err != nil {
		return nil, terr.Wrapf(&terr.SourceUnavailable, "introspect %s: %v", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.PrimaryKey); err != nil {
			return nil, errors.Wrapf(err, "scan columns of %s", table)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, terr.Wrapf(&terr.SourceUnavailable, "introspect %s: %v", table, err)
	}
	if len(columns) == 0 {
		return nil, terr.Wrapf(&terr.ConfigurationError, "table %s not found", table)
	}
	return columns, nil
}

// Render produces the listener script without executing it.
func (p *SQLProvisioner) Render(table, webhookURL string, columns []Column) ([]string, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(columns))
	key := ""
	for _, c := range columns {
		if err := ValidateColumn(c.Name); err != nil {
			return nil, errors.Wrapf(err, "table %s", table)
		}
		names = append(names, c.Name)
		if c.PrimaryKey && key == "" {
			key = c.Name
		}
	}
	if key == "" {
		key = p.KeyColumn
	}
	if err := ValidateColumn(key); err != nil {
		return nil, errors.Wrapf(err, "table %s key", table)
	}
	if p.dialect.jsonObject != "" && len(names) == 0 {
		return nil, terr.Wrapf(&terr.ConfigurationError, "table %s: no columns to capture", table)
	}

	ident := Identifier(table)
	params := Params{
		Values: map[string]string{
			ParamTableName:   table,
			ParamWebhookURL:  webhookURL,
			"log_table":      LogTableName(table),
			"trigger_prefix": ident,
			"function_name":  ident + "_sync_capture",
		},
		Fragments: map[string]string{
			"new_key":      "NEW." + key,
			"old_key":      "OLD." + key,
			"new_row_json": p.dialect.rowPayload("NEW", names),
			"old_row_json": p.dialect.rowPayload("OLD", names),
		},
	}
	script := make([]string, 0, len(p.dialect.script))
	for _, tmpl := range p.dialect.script {
		stmt, err := FillTemplate(tmpl, params)
		if err != nil {
			return nil, err
		}
		script = append(script, stmt)
	}
	return script, nil
}

func splitTable(table string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

// NoopProvisioner serves sources that need nothing installed, such as REST polling.
type NoopProvisioner struct{}

func (NoopProvisioner) EnsureListener(_ context.Context, table, webhookURL string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	return ValidateWebhookURL(webhookURL)
}

// DBOpener returns a shared handle for a dialect and dsn.
type DBOpener func(dialect, dsn string) (*sql.DB, error)

// ForSource picks the provisioner for a sync's capture mechanism.
func ForSource(src models.SourceConfig, open DBOpener, client *http.Client) (Provisioner, error) {
	switch src.Kind {
	case models.CapturePoll:
		return NoopProvisioner{}, nil
	case models.CaptureTriggerLog:
		cfg := src.TriggerLog.WithDefaults()
		db, err := open(cfg.Dialect, cfg.DSN)
		if err != nil {
			return nil, terr.Wrapf(&terr.SourceUnavailable, "open %s: %v", cfg.Dialect, err)
		}
		p, err := NewSQLProvisioner(cfg.Dialect, db)
		if err != nil {
			return nil, err
		}
		p.KeyColumn = cfg.PrimaryKey
		return p, nil
	case models.CaptureWebhook:
		cfg := src.Webhook.WithDefaults()
		if cfg.RegisterURL == "" {
			return NoopProvisioner{}, nil
		}
		return NewSubscriptionProvisioner(cfg, client), nil
	}
	return nil, terr.Wrapf(&terr.ConfigurationError, "unknown capture kind %q", src.Kind)
}
