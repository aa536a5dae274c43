package models

import (
	"time"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobFailed},
	JobRunning: {JobRunning, JobCompleted, JobFailed},
}

func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncJob is one unit of work handed to the downstream executor. At most one job per
// (sync_id, team_id) is pending or running at any time.
type SyncJob struct {
	ID         string     `json:"id" gorm:"column:id;type:varchar(64);primaryKey"`
	SyncID     string     `json:"syncId" gorm:"column:sync_id;type:varchar(64);index:idx_sync_jobs_sync"`
	TeamID     string     `json:"teamId" gorm:"column:team_id;type:varchar(64)"`
	Status     JobStatus  `json:"status" gorm:"column:status;type:varchar(32)"`
	Progress   int        `json:"progress" gorm:"column:progress"` // 0..100
	Attempt    int        `json:"attempt" gorm:"column:attempt"`
	Error      string     `json:"error,omitempty" gorm:"column:error;type:text"`
	CreatedAt  time.Time  `json:"createdAt" gorm:"column:created_at;index:idx_sync_jobs_sync"`
	StartedAt  *time.Time `json:"startedAt,omitempty" gorm:"column:started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" gorm:"column:finished_at"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

// apply moves the job to status and stamps the lifecycle timestamps.
func (j *SyncJob) apply(status JobStatus, progress int, msg string, now time.Time) error {
	if !CanTransitionJob(j.Status, status) {
		return terr.Wrapf(&terr.InvalidTransition, "job %s: %s -> %s", j.ID, j.Status, status)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if status == JobRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.FinishedAt = &now
		if status == JobCompleted {
			progress = 100
		}
	}
	j.Status = status
	j.Progress = progress
	if msg != "" {
		j.Error = msg
	}
	return nil
}
