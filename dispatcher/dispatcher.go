package dispatcher

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// Dispatcher turns due syncs into sync jobs. The repository's conditional insert keeps
// at most one pending or running job per (sync, team); no lock service is involved.
type Dispatcher struct {
	jobs  models.JobRepository
	syncs models.SyncRepository
}

func NewDispatcher(jobs models.JobRepository, syncs models.SyncRepository) *Dispatcher {
	return &Dispatcher{jobs: jobs, syncs: syncs}
}

func candidate(s *models.Sync, attempt int) *models.SyncJob {
	return &models.SyncJob{
		ID:      uuid.NewString(),
		SyncID:  s.ID,
		TeamID:  s.TeamID,
		Status:  models.JobPending,
		Attempt: attempt,
	}
}

// Enqueue creates a pending job for s, or returns ConflictingJobExists when one is
// already pending or running.
func (d *Dispatcher) Enqueue(ctx context.Context, s *models.Sync) (*models.SyncJob, error) {
	return d.enqueue(ctx, s, 1)
}

func (d *Dispatcher) enqueue(ctx context.Context, s *models.Sync, attempt int) (*models.SyncJob, error) {
	job, err := d.jobs.UpsertJobIfNoneActive(ctx, candidate(s, attempt))
	if err != nil {
		return nil, errors.Wrapf(err, "enqueue job for sync %s", s.ID)
	}
	if job == nil {
		return nil, terr.Wrapf(&terr.ConflictingJobExists, "sync %s team %s", s.ID, s.TeamID)
	}
	logrus.WithFields(logrus.Fields{"sync": s.ID, "team": s.TeamID, "job": job.ID, "attempt": attempt}).Info("job enqueued")
	return job, nil
}

// EnqueueJobsForDueSyncs returns the jobs it created. A sync with an active job is
// skipped; other failures are collected and the remaining syncs are still processed.
func (d *Dispatcher) EnqueueJobsForDueSyncs(ctx context.Context, syncs []models.Sync) ([]models.SyncJob, error) {
	var (
		created []models.SyncJob
		errs    []error
	)
	for i := range syncs {
		s := &syncs[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		job, err := d.Enqueue(ctx, s)
		switch {
		case terr.Is(err, &terr.ConflictingJobExists):
			logrus.WithFields(logrus.Fields{"sync": s.ID, "team": s.TeamID}).Info("skip sync, a job is already pending or running")
		case err != nil:
			logrus.WithField("sync", s.ID).Errorf("enqueue failed: %v", err)
			errs = append(errs, err)
		default:
			created = append(created, *job)
		}
	}
	return created, stderrors.Join(errs...)
}

func (d *Dispatcher) Start(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return d.jobs.UpdateJob(ctx, jobID, models.JobRunning, 0, "")
}

func (d *Dispatcher) Progress(ctx context.Context, jobID string, progress int) (*models.SyncJob, error) {
	return d.jobs.UpdateJob(ctx, jobID, models.JobRunning, progress, "")
}

func (d *Dispatcher) Complete(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := d.jobs.UpdateJob(ctx, jobID, models.JobCompleted, 100, "")
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"sync": job.SyncID, "job": job.ID}).Info("job completed")
	return job, nil
}

// Fail marks the job failed. While the retry policy of its sync allows another attempt
// a fresh pending job is appended and returned; the failed row is never reused.
func (d *Dispatcher) Fail(ctx context.Context, jobID string, cause string) (*models.SyncJob, *models.SyncJob, error) {
	job, err := d.jobs.UpdateJob(ctx, jobID, models.JobFailed, 0, cause)
	if err != nil {
		return nil, nil, err
	}
	logrus.WithFields(logrus.Fields{"sync": job.SyncID, "job": job.ID, "attempt": job.Attempt}).Warnf("job failed: %s", cause)

	s, err := d.syncs.GetSync(ctx, job.SyncID)
	if err != nil {
		return job, nil, err
	}
	if s.Status != models.SyncActive || job.Attempt >= s.RetryPolicy.MaxAttempts {
		return job, nil, nil
	}
	retry, err := d.enqueue(ctx, s, job.Attempt+1)
	if terr.Is(err, &terr.ConflictingJobExists) {
		return job, nil, nil
	}
	if err != nil {
		return job, nil, err
	}
	return job, retry, nil
}
