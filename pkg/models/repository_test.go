package models

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/test-go/testify/assert"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

func newTestDAO(t *testing.T) *DAO {
	t.Helper()
	dao, err := NewDAO("sqlite", filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("NewDAO() error = %v", err)
	}
	t.Cleanup(func() { _ = dao.Close() })
	return dao
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryStore(),
		"gorm":   newTestDAO(t),
	}
}

func TestRepositorySyncLifecycle(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := pollSync()
			assert.NoError(t, repo.CreateSync(ctx, s))

			got, err := repo.GetSync(ctx, "s1")
			assert.NoError(t, err)
			assert.Equal(t, "https://api.airtable.com", got.Source.Poll.BaseURL)
			assert.Equal(t, "products", got.TableMappings[0].SourceTable)

			err = repo.UpdateSyncStatus(ctx, "s1", SyncPaused, "")
			assert.True(t, terr.Is(err, &terr.InvalidTransition), "draft cannot pause")

			assert.NoError(t, repo.UpdateSyncStatus(ctx, "s1", SyncActive, ""))
			now := time.Now()
			due, err := repo.GetActiveSyncsDueForRun(ctx, now)
			assert.NoError(t, err)
			assert.Len(t, due, 1)

			assert.NoError(t, repo.MarkScheduled(ctx, "s1", now))
			due, err = repo.GetActiveSyncsDueForRun(ctx, now.Add(time.Minute))
			assert.NoError(t, err)
			assert.Len(t, due, 0)
			due, err = repo.GetActiveSyncsDueForRun(ctx, now.Add(16*time.Minute))
			assert.NoError(t, err)
			assert.Len(t, due, 1)

			assert.NoError(t, repo.UpdateSyncStatus(ctx, "s1", SyncError, "products: poll: auth expired"))
			got, err = repo.GetSync(ctx, "s1")
			assert.NoError(t, err)
			assert.Equal(t, SyncError, got.Status)
			assert.Equal(t, "products: poll: auth expired", got.ErrorMessage)

			assert.NoError(t, repo.DeleteSync(ctx, "s1"))
			_, err = repo.GetSync(ctx, "s1")
			assert.True(t, terr.Is(err, &terr.NotFound))
			err = repo.DeleteSync(ctx, "s1")
			assert.True(t, terr.Is(err, &terr.NotFound))
		})
	}
}

func TestRepositoryUpsertJobIfNoneActive(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const callers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created []*SyncJob
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					job, err := repo.UpsertJobIfNoneActive(ctx, &SyncJob{SyncID: "s1", TeamID: "t1"})
					if err != nil {
						t.Errorf("UpsertJobIfNoneActive() error = %v", err)
						return
					}
					if job != nil {
						mu.Lock()
						created = append(created, job)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if !assert.Len(t, created, 1) {
				return
			}

			// another team shares nothing with t1
			other, err := repo.UpsertJobIfNoneActive(ctx, &SyncJob{SyncID: "s1", TeamID: "t2"})
			assert.NoError(t, err)
			assert.NotNil(t, other)

			first := created[0]
			_, err = repo.UpdateJob(ctx, first.ID, JobRunning, 50, "")
			assert.NoError(t, err)
			again, err := repo.UpsertJobIfNoneActive(ctx, &SyncJob{SyncID: "s1", TeamID: "t1"})
			assert.NoError(t, err)
			assert.Nil(t, again, "running job still blocks")

			done, err := repo.UpdateJob(ctx, first.ID, JobCompleted, 0, "")
			assert.NoError(t, err)
			assert.Equal(t, 100, done.Progress)

			next, err := repo.UpsertJobIfNoneActive(ctx, &SyncJob{SyncID: "s1", TeamID: "t1"})
			assert.NoError(t, err)
			if assert.NotNil(t, next, "terminal job does not block") {
				assert.NotEqual(t, first.ID, next.ID)
			}

			_, err = repo.UpdateJob(ctx, first.ID, JobRunning, 0, "")
			assert.True(t, terr.Is(err, &terr.InvalidTransition))

			jobs, err := repo.ListJobs(ctx, "s1", 0)
			assert.NoError(t, err)
			assert.Len(t, jobs, 3)
		})
	}
}

func TestRepositoryCursors(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row, err := repo.GetCursor(ctx, "s1", "orders")
			assert.NoError(t, err)
			assert.Nil(t, row)

			assert.NoError(t, repo.SetCursor(ctx, &CursorRow{SyncID: "s1", TableID: "orders", Kind: "lsn", Value: "7"}))
			assert.NoError(t, repo.SetCursor(ctx, &CursorRow{SyncID: "s1", TableID: "orders", Kind: "lsn", Value: "9"}))
			assert.NoError(t, repo.SetCursor(ctx, &CursorRow{SyncID: "s1", TableID: "users", Kind: "lsn", Value: "2"}))

			row, err = repo.GetCursor(ctx, "s1", "orders")
			assert.NoError(t, err)
			assert.Equal(t, "9", row.Value)

			rows, err := repo.ListCursors(ctx, "s1")
			assert.NoError(t, err)
			assert.Len(t, rows, 2)

			assert.NoError(t, repo.DeleteCursor(ctx, "s1", "orders"))
			row, err = repo.GetCursor(ctx, "s1", "orders")
			assert.NoError(t, err)
			assert.Nil(t, row)
		})
	}
}

func TestRepositoryStageChanges(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			records := []ChangeRecord{
				{Operation: OpInsert, Table: "orders", Key: "1", Position: "1", Row: map[string]interface{}{"id": float64(1)}},
				{Operation: OpUpdate, Table: "orders", Key: "1", Position: "2", Row: map[string]interface{}{"id": float64(1)}, OldRow: map[string]interface{}{"id": float64(1)}},
			}
			n, err := repo.StageChanges(ctx, "s1", records)
			assert.NoError(t, err)
			assert.Equal(t, 2, n)

			// redelivery after a crash before the cursor commit
			n, err = repo.StageChanges(ctx, "s1", append(records, ChangeRecord{Operation: OpDelete, Table: "orders", Key: "1", Position: "3"}))
			assert.NoError(t, err)
			assert.Equal(t, 1, n)

			staged, err := repo.ListStagedChanges(ctx, "s1", 0)
			assert.NoError(t, err)
			assert.Len(t, staged, 3)
			row, err := staged[0].Row()
			assert.NoError(t, err)
			assert.Equal(t, float64(1), row["id"])
		})
	}
}
