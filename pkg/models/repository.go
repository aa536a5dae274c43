package models

import (
	"context"
	"time"
)

type SyncRepository interface {
	CreateSync(ctx context.Context, sync *Sync) error
	GetSync(ctx context.Context, id string) (*Sync, error)
	ListSyncs(ctx context.Context, teamID string) ([]Sync, error)
	// GetActiveSyncsDueForRun returns active polling syncs whose interval elapsed at now.
	GetActiveSyncsDueForRun(ctx context.Context, now time.Time) ([]Sync, error)
	UpdateSyncStatus(ctx context.Context, id string, to SyncStatus, msg string) error
	MarkScheduled(ctx context.Context, id string, at time.Time) error
	DeleteSync(ctx context.Context, id string) error
}

type JobRepository interface {
	// UpsertJobIfNoneActive inserts job unless a pending or running job already exists
	// for the same (sync_id, team_id); in that case it returns (nil, nil).
	UpsertJobIfNoneActive(ctx context.Context, job *SyncJob) (*SyncJob, error)
	GetJob(ctx context.Context, id string) (*SyncJob, error)
	ListJobs(ctx context.Context, syncID string, limit int) ([]SyncJob, error)
	UpdateJob(ctx context.Context, id string, status JobStatus, progress int, msg string) (*SyncJob, error)
}

type CursorRepository interface {
	// GetCursor returns (nil, nil) when no cursor was ever committed.
	GetCursor(ctx context.Context, syncID, tableID string) (*CursorRow, error)
	SetCursor(ctx context.Context, row *CursorRow) error
	DeleteCursor(ctx context.Context, syncID, tableID string) error
	ListCursors(ctx context.Context, syncID string) ([]CursorRow, error)
}

type ChangeRepository interface {
	// StageChanges is idempotent on (sync_id, dedup key) and returns the number of new rows.
	StageChanges(ctx context.Context, syncID string, records []ChangeRecord) (int, error)
	ListStagedChanges(ctx context.Context, syncID string, limit int) ([]StagedChange, error)
}

type Repository interface {
	SyncRepository
	JobRepository
	CursorRepository
	ChangeRepository
}
