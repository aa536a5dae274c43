package source

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/test-go/testify/assert"

	"github.com/databendcloud/sync-dispatch/cursor"
	"github.com/databendcloud/sync-dispatch/listener"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
	"github.com/databendcloud/sync-dispatch/utils/testutils"
)

func setupPostgresTriggerLogTest(t *testing.T) *sql.DB {
	dsn := testutils.RequirePostgres(t)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec("DROP TABLE IF EXISTS test_table, test_table_changelog, _sync_listeners")
		_ = db.Close()
	})

	_, err = db.Exec("CREATE TABLE test_table (id SERIAL primary key, name varchar(255), ts timestamp default current_timestamp)")
	if err != nil {
		t.Fatal(err)
	}
	p, err := listener.NewSQLProvisioner("postgres", db)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.EnsureListener(context.Background(), "test_table", "http://localhost:8080/api/v1/webhooks/pg"); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestPostgresTriggerLog(t *testing.T) {
	ctx := context.Background()
	db := setupPostgresTriggerLogTest(t)

	_, err := db.Exec("INSERT INTO test_table (name) VALUES ('test'), ('test2')")
	assert.NoError(t, err)
	_, err = db.Exec("UPDATE test_table SET name = 'renamed' WHERE name = 'test'")
	assert.NoError(t, err)

	src := NewTriggerLogSource(models.TriggerLogConfig{Dialect: "postgres", BatchSize: 2}, db)
	stream, err := src.Poll(ctx, models.TableMapping{SourceTable: "test_table"}, cursor.Cursor{})
	assert.NoError(t, err)
	batch, next, err := Collect(ctx, stream)
	assert.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, models.OpUpdate, batch[2].Operation)
	assert.Equal(t, "renamed", batch[2].Row["name"])
	assert.Equal(t, "test", batch[2].OldRow["name"])

	seq, err := next.Sequence()
	assert.NoError(t, err)
	n, err := src.Prune(ctx, "test_table", seq)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// a second install keeps a single trigger
	p, err := listener.NewSQLProvisioner("postgres", db)
	assert.NoError(t, err)
	assert.NoError(t, p.EnsureListener(ctx, "test_table", "http://localhost:8080/api/v1/webhooks/pg"))
	var triggers int
	assert.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pg_trigger WHERE tgrelid = 'test_table'::regclass AND NOT tgisinternal`).Scan(&triggers))
	assert.Equal(t, 1, triggers)
}

func TestPostgresTriggerLogMissingTable(t *testing.T) {
	ctx := context.Background()
	db := setupPostgresTriggerLogTest(t)

	_, _, err := NewTriggerLogSource(models.TriggerLogConfig{Dialect: "postgres"}, db).Drain(ctx, "no_such_table", 0, 10)
	assert.True(t, terr.Is(err, &terr.ConfigurationError))
}
