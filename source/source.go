package source

import (
	"context"
	"io"

	"github.com/databendcloud/sync-dispatch/cursor"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// ChangeSource yields the changes of one table since a cursor. Streams are lazy and can
// be restarted from any cursor a previous stream returned.
type ChangeSource interface {
	Kind() models.CaptureKind
	Poll(ctx context.Context, table models.TableMapping, from cursor.Cursor) (ChangeStream, error)
}

type ChangeStream interface {
	// Next returns the next page of records, or io.EOF once the source is drained.
	Next(ctx context.Context) ([]models.ChangeRecord, error)
	// Cursor is the position to commit once everything returned so far was handed off.
	Cursor() cursor.Cursor
	Close() error
}

// Gate admits outbound calls against a quota keyed by api id.
type Gate interface {
	Invoke(ctx context.Context, apiID string, action func(ctx context.Context) error) error
}

// Collect drains stream into one batch. On error nothing is returned so the caller
// cannot commit a partial position.
func Collect(ctx context.Context, stream ChangeStream) ([]models.ChangeRecord, cursor.Cursor, error) {
	defer stream.Close()
	var batch []models.ChangeRecord
	for {
		page, err := stream.Next(ctx)
		if err == io.EOF {
			return batch, stream.Cursor(), nil
		}
		if err != nil {
			return nil, cursor.Cursor{}, err
		}
		batch = append(batch, page...)
	}
}

// emptyStream is drained from the start and keeps its cursor.
type emptyStream struct {
	at cursor.Cursor
}

func (s emptyStream) Next(context.Context) ([]models.ChangeRecord, error) {
	return nil, io.EOF
}

func (s emptyStream) Cursor() cursor.Cursor {
	return s.at
}

func (s emptyStream) Close() error {
	return nil
}
