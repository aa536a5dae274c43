package cursor

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

type Kind string

const (
	KindTimestamp Kind = "timestamp"
	KindOffset    Kind = "offset"
	KindLSN       Kind = "lsn"
)

// Cursor is an opaque resume position. The zero value means "from the beginning".
type Cursor struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

func Timestamp(t time.Time) Cursor {
	return Cursor{Kind: KindTimestamp, Value: t.UTC().Format(time.RFC3339Nano)}
}

func Offset(token string) Cursor {
	return Cursor{Kind: KindOffset, Value: token}
}

func LogSequence(n int64) Cursor {
	return Cursor{Kind: KindLSN, Value: strconv.FormatInt(n, 10)}
}

func (c Cursor) IsZero() bool {
	return c.Value == ""
}

// Time returns the epoch for a zero cursor.
func (c Cursor) Time() (time.Time, error) {
	if c.IsZero() {
		return time.Unix(0, 0).UTC(), nil
	}
	if c.Kind != KindTimestamp {
		return time.Time{}, terr.Wrapf(&terr.ConfigurationError, "cursor kind %s is not a timestamp", c.Kind)
	}
	t, err := time.Parse(time.RFC3339Nano, c.Value)
	if err != nil {
		return time.Time{}, terr.Wrapf(&terr.ConfigurationError, "cursor value %q: %v", c.Value, err)
	}
	return t, nil
}

// Sequence returns 0 for a zero cursor.
func (c Cursor) Sequence() (int64, error) {
	if c.IsZero() {
		return 0, nil
	}
	if c.Kind != KindLSN {
		return 0, terr.Wrapf(&terr.ConfigurationError, "cursor kind %s is not a log sequence", c.Kind)
	}
	n, err := strconv.ParseInt(c.Value, 10, 64)
	if err != nil {
		return 0, terr.Wrapf(&terr.ConfigurationError, "cursor value %q: %v", c.Value, err)
	}
	return n, nil
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<start>"
	}
	return string(c.Kind) + ":" + c.Value
}

// Store keeps one cursor per (sync, table). Set is the commit point of a poll cycle and
// must only run after the batch was handed off.
type Store struct {
	repo models.CursorRepository
}

func NewStore(repo models.CursorRepository) *Store {
	return &Store{repo: repo}
}

func (s *Store) Get(ctx context.Context, syncID, tableID string) (Cursor, error) {
	row, err := s.repo.GetCursor(ctx, syncID, tableID)
	if err != nil {
		return Cursor{}, err
	}
	if row == nil {
		return Cursor{}, nil
	}
	return Cursor{Kind: Kind(row.Kind), Value: row.Value}, nil
}

func (s *Store) Set(ctx context.Context, syncID, tableID string, c Cursor) error {
	if c.IsZero() {
		return nil
	}
	if err := s.repo.SetCursor(ctx, &models.CursorRow{SyncID: syncID, TableID: tableID, Kind: string(c.Kind), Value: c.Value}); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"sync": syncID, "table": tableID, "cursor": c.String()}).Debug("cursor advanced")
	return nil
}

// Reset forgets the position so the next poll starts from the beginning.
func (s *Store) Reset(ctx context.Context, syncID, tableID string) error {
	if err := s.repo.DeleteCursor(ctx, syncID, tableID); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"sync": syncID, "table": tableID}).Info("cursor reset")
	return nil
}

// All returns every committed cursor of a sync keyed by table.
func (s *Store) All(ctx context.Context, syncID string) (map[string]Cursor, error) {
	rows, err := s.repo.ListCursors(ctx, syncID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Cursor, len(rows))
	for _, row := range rows {
		out[row.TableID] = Cursor{Kind: Kind(row.Kind), Value: row.Value}
	}
	return out, nil
}
