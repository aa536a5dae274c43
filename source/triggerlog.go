package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/cursor"
	"github.com/databendcloud/sync-dispatch/listener"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// TriggerLogSource drains the change log tables written by the listener triggers.
// The cursor is the highest drained log id; draining never deletes rows.
type TriggerLogSource struct {
	dialect   string
	db        *sql.DB
	batchSize int
}

var _ ChangeSource = (*TriggerLogSource)(nil)

func NewTriggerLogSource(cfg models.TriggerLogConfig, db *sql.DB) *TriggerLogSource {
	cfg = cfg.WithDefaults()
	return &TriggerLogSource{dialect: cfg.Dialect, db: db, batchSize: cfg.BatchSize}
}

func (s *TriggerLogSource) Kind() models.CaptureKind {
	return models.CaptureTriggerLog
}

func (s *TriggerLogSource) Poll(ctx context.Context, table models.TableMapping, from cursor.Cursor) (ChangeStream, error) {
	if err := listener.ValidateTableName(table.SourceTable); err != nil {
		return nil, err
	}
	after, err := from.Sequence()
	if err != nil {
		return nil, err
	}
	return &logStream{src: s, table: table.SourceTable, after: after, start: from}, nil
}

func (s *TriggerLogSource) bind(n int) string {
	if s.dialect == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Drain reads up to limit log rows with id greater than afterID, in id order.
func (s *TriggerLogSource) Drain(ctx context.Context, table string, afterID int64, limit int) ([]models.ChangeRecord, int64, error) {
	if err := listener.ValidateTableName(table); err != nil {
		return nil, afterID, err
	}
	query := fmt.Sprintf(
		"SELECT id, operation, row_key, new_row, old_row FROM %s WHERE id > %s ORDER BY id LIMIT %d",
		listener.LogTableName(table), s.bind(1), limit)
	rows, err := s.db.QueryContext(ctx, query, afterID)
	if err != nil {
		return nil, afterID, s.classify(table, err)
	}
	defer rows.Close()

	var (
		records []models.ChangeRecord
		maxID   = afterID
	)
	for rows.Next() {
		var (
			id             int64
			op             string
			key            sql.NullString
			newRow, oldRow sql.NullString
		)
		if err := rows.Scan(&id, &op, &key, &newRow, &oldRow); err != nil {
			return nil, afterID, terr.Wrapf(&terr.SourceUnavailable, "drain %s: %v", table, err)
		}
		operation, ok := models.ParseOperation(op)
		if !ok {
			logrus.WithFields(logrus.Fields{"table": table, "log_id": id, "operation": op}).Warn("skip log row with unknown operation")
			maxID = id
			continue
		}
		rec := models.ChangeRecord{
			Operation: operation,
			Table:     table,
			Key:       key.String,
			Position:  strconv.FormatInt(id, 10),
		}
		if rec.Row, err = decodeRow(newRow); err != nil {
			return nil, afterID, terr.Wrapf(&terr.SourceUnavailable, "drain %s: log row %d: %v", table, id, err)
		}
		if rec.OldRow, err = decodeRow(oldRow); err != nil {
			return nil, afterID, terr.Wrapf(&terr.SourceUnavailable, "drain %s: log row %d: %v", table, id, err)
		}
		records = append(records, rec)
		maxID = id
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, s.classify(table, err)
	}
	return records, maxID, nil
}

// Prune deletes log rows at or below throughID, which must be a committed cursor.
func (s *TriggerLogSource) Prune(ctx context.Context, table string, throughID int64) (int64, error) {
	if err := listener.ValidateTableName(table); err != nil {
		return 0, err
	}
	if throughID <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id <= %s", listener.LogTableName(table), s.bind(1)), throughID)
	if err != nil {
		return 0, s.classify(table, err)
	}
	return res.RowsAffected()
}

// classify tells a missing log table, which needs the listener installed, apart from
// a database that is simply unreachable.
func (s *TriggerLogSource) classify(table string, err error) error {
	if isMissingTable(err) {
		return terr.Wrapf(&terr.ConfigurationError, "change log for %s is missing, install the listener: %v", table, err)
	}
	return terr.Wrapf(&terr.SourceUnavailable, "drain %s: %v", table, err)
}

func isMissingTable(err error) bool {
	var pqErr *pq.Error
	if terr.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	var myErr *mysql.MySQLError
	if terr.As(err, &myErr) {
		return myErr.Number == 1146
	}
	return strings.Contains(err.Error(), "no such table")
}

func decodeRow(v sql.NullString) (map[string]interface{}, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var row map[string]interface{}
	if err := json.Unmarshal([]byte(v.String), &row); err != nil {
		return nil, err
	}
	return row, nil
}

type logStream struct {
	src   *TriggerLogSource
	table string
	after int64
	start cursor.Cursor
	moved bool
	done  bool
}

func (l *logStream) Next(ctx context.Context) ([]models.ChangeRecord, error) {
	if l.done {
		return nil, io.EOF
	}
	records, maxID, err := l.src.Drain(ctx, l.table, l.after, l.src.batchSize)
	if err != nil {
		return nil, err
	}
	if maxID <= l.after {
		l.done = true
		return nil, io.EOF
	}
	l.after = maxID
	l.moved = true
	return records, nil
}

func (l *logStream) Cursor() cursor.Cursor {
	if !l.moved {
		return l.start
	}
	return cursor.LogSequence(l.after)
}

func (l *logStream) Close() error {
	l.done = true
	return nil
}
