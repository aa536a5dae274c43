package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

// activeJobIndex is what makes job dedup atomic: a second pending/running insert for
// the same sync and team hits the index and ON CONFLICT DO NOTHING drops it.
const activeJobIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_active ON sync_jobs (sync_id, team_id) WHERE status IN ('pending', 'running')`

type DAO struct {
	db *gorm.DB
}

var _ Repository = (*DAO)(nil)

func NewDAO(dialect, dsn string) (*DAO, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}
	if dialect == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}
	dao := &DAO{db: db}
	if err := dao.Migrate(); err != nil {
		return nil, err
	}
	return dao, nil
}

func (d *DAO) Migrate() error {
	if err := d.db.AutoMigrate(&Sync{}, &SyncJob{}, &CursorRow{}, &StagedChange{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return errors.Wrap(d.db.Exec(activeJobIndex).Error, "create active job index")
}

func (d *DAO) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return terr.Wrapf(&terr.NotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func (d *DAO) CreateSync(ctx context.Context, sync *Sync) error {
	if sync.ID == "" {
		sync.ID = uuid.NewString()
	}
	return d.db.WithContext(ctx).Create(sync).Error
}

func (d *DAO) GetSync(ctx context.Context, id string) (*Sync, error) {
	var sync Sync
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&sync).Error; err != nil {
		return nil, notFound(err, "sync %s", id)
	}
	return &sync, nil
}

func (d *DAO) ListSyncs(ctx context.Context, teamID string) ([]Sync, error) {
	var syncs []Sync
	q := d.db.WithContext(ctx).Order("created_at")
	if teamID != "" {
		q = q.Where("team_id = ?", teamID)
	}
	if err := q.Find(&syncs).Error; err != nil {
		return nil, err
	}
	return syncs, nil
}

func (d *DAO) GetActiveSyncsDueForRun(ctx context.Context, now time.Time) ([]Sync, error) {
	var active []Sync
	if err := d.db.WithContext(ctx).Where("status = ?", SyncActive).Order("created_at").Find(&active).Error; err != nil {
		return nil, err
	}
	due := active[:0]
	for _, s := range active {
		if s.IsDue(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

func (d *DAO) UpdateSyncStatus(ctx context.Context, id string, to SyncStatus, msg string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sync Sync
		if err := tx.Where("id = ?", id).First(&sync).Error; err != nil {
			return notFound(err, "sync %s", id)
		}
		if !CanTransition(sync.Status, to) {
			return invalidTransition(id, sync.Status, to)
		}
		res := tx.Model(&Sync{}).
			Where("id = ? AND status = ?", id, sync.Status).
			Updates(map[string]interface{}{"status": to, "error_message": msg})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost a race with another status change
			return invalidTransition(id, sync.Status, to)
		}
		return nil
	})
}

func (d *DAO) MarkScheduled(ctx context.Context, id string, at time.Time) error {
	res := d.db.WithContext(ctx).Model(&Sync{}).Where("id = ?", id).Update("last_scheduled_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return terr.Wrapf(&terr.NotFound, "sync %s", id)
	}
	return nil
}

func (d *DAO) DeleteSync(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Where("id = ?", id).Delete(&Sync{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return terr.Wrapf(&terr.NotFound, "sync %s", id)
	}
	return nil
}

func (d *DAO) UpsertJobIfNoneActive(ctx context.Context, job *SyncJob) (*SyncJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return nil, errors.Wrapf(res.Error, "insert job for sync %s", job.SyncID)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return job, nil
}

func (d *DAO) GetJob(ctx context.Context, id string) (*SyncJob, error) {
	var job SyncJob
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err, "job %s", id)
	}
	return &job, nil
}

func (d *DAO) ListJobs(ctx context.Context, syncID string, limit int) ([]SyncJob, error) {
	var jobs []SyncJob
	q := d.db.WithContext(ctx).Where("sync_id = ?", syncID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *DAO) UpdateJob(ctx context.Context, id string, status JobStatus, progress int, msg string) (*SyncJob, error) {
	var job SyncJob
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return notFound(err, "job %s", id)
		}
		from := job.Status
		if err := job.apply(status, progress, msg, time.Now()); err != nil {
			return err
		}
		res := tx.Model(&SyncJob{}).Where("id = ? AND status = ?", id, from).Updates(map[string]interface{}{
			"status":      job.Status,
			"progress":    job.Progress,
			"error":       job.Error,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return terr.Wrapf(&terr.InvalidTransition, "job %s changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (d *DAO) GetCursor(ctx context.Context, syncID, tableID string) (*CursorRow, error) {
	var rows []CursorRow
	if err := d.db.WithContext(ctx).Where("sync_id = ? AND table_id = ?", syncID, tableID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (d *DAO) SetCursor(ctx context.Context, row *CursorRow) error {
	row.UpdatedAt = time.Now()
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sync_id"}, {Name: "table_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "value", "updated_at"}),
	}).Create(row).Error
}

func (d *DAO) DeleteCursor(ctx context.Context, syncID, tableID string) error {
	return d.db.WithContext(ctx).Where("sync_id = ? AND table_id = ?", syncID, tableID).Delete(&CursorRow{}).Error
}

func (d *DAO) ListCursors(ctx context.Context, syncID string) ([]CursorRow, error) {
	var rows []CursorRow
	if err := d.db.WithContext(ctx).Where("sync_id = ?", syncID).Order("table_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *DAO) StageChanges(ctx context.Context, syncID string, records []ChangeRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	staged := make([]StagedChange, 0, len(records))
	for _, r := range records {
		sc, err := toStagedChange(syncID, r)
		if err != nil {
			return 0, err
		}
		staged = append(staged, sc)
	}
	var inserted int64
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range staged {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sync_id"}, {Name: "dedup_key"}},
				DoNothing: true,
			}).Create(&staged[i])
			if res.Error != nil {
				return res.Error
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "stage %d changes for sync %s", len(records), syncID)
	}
	return int(inserted), nil
}

func (d *DAO) ListStagedChanges(ctx context.Context, syncID string, limit int) ([]StagedChange, error) {
	var changes []StagedChange
	q := d.db.WithContext(ctx).Where("sync_id = ?", syncID).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&changes).Error; err != nil {
		return nil, err
	}
	return changes, nil
}

func toStagedChange(syncID string, r ChangeRecord) (StagedChange, error) {
	payload, err := json.Marshal(r.Row)
	if err != nil {
		return StagedChange{}, errors.Wrapf(err, "encode row %s", r.Key)
	}
	sc := StagedChange{
		SyncID:     syncID,
		DedupKey:   r.DedupKey(),
		Table:      r.Table,
		Operation:  r.Operation,
		RowKey:     r.Key,
		Position:   r.Position,
		Payload:    datatypes.JSON(payload),
		ObservedAt: r.ObservedAt,
	}
	if r.OldRow != nil {
		old, err := json.Marshal(r.OldRow)
		if err != nil {
			return StagedChange{}, errors.Wrapf(err, "encode old row %s", r.Key)
		}
		sc.OldPayload = datatypes.JSON(old)
	}
	return sc, nil
}
