package sync_logic

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/config"
	"github.com/databendcloud/sync-dispatch/dispatcher"
	"github.com/databendcloud/sync-dispatch/listener"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
	"github.com/databendcloud/sync-dispatch/source"
	"github.com/databendcloud/sync-dispatch/worker"
)

// Sources opens source databases and webhook decoders; *source.Factory implements it.
type Sources interface {
	DB(dialect, dsn string) (*sql.DB, error)
	Webhook(s *models.Sync) (*source.WebhookSource, error)
}

type CreateSyncRequest struct {
	TeamID         string                `json:"teamId"`
	Name           string                `json:"name"`
	Source         json.RawMessage       `json:"source"`
	DestinationID  string                `json:"destinationId"`
	TableMappings  []models.TableMapping `json:"tableMappings"`
	Schedule       string                `json:"schedule"`
	RetryPolicy    models.RetryPolicy    `json:"retryPolicy"`
	ConflictPolicy models.ConflictPolicy `json:"conflictPolicy"`
}

type JobReport struct {
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Error    string           `json:"error"`
}

type SyncLogic interface {
	CreateSync(ctx context.Context, req *CreateSyncRequest) (*models.Sync, error)
	GetSync(ctx context.Context, id string) (*models.Sync, error)
	ListSyncs(ctx context.Context, teamID string) ([]models.Sync, error)
	Activate(ctx context.Context, id string) (*models.Sync, error)
	Pause(ctx context.Context, id string) (*models.Sync, error)
	Resume(ctx context.Context, id string) (*models.Sync, error)
	Delete(ctx context.Context, id string) error
	Resync(ctx context.Context, id, table string) error
	ListJobs(ctx context.Context, id string, limit int) ([]models.SyncJob, error)
	ReportJob(ctx context.Context, jobID string, report JobReport) ([]models.SyncJob, error)
	ReceiveWebhook(ctx context.Context, id string, header http.Header, body []byte) (*models.SyncJob, error)
	RunTick(ctx context.Context) (*worker.TickReport, error)
	Stats(window time.Duration) worker.Stats
}

type SyncLogicImpl struct {
	cfg          *config.Config
	repo         models.Repository
	orchestrator *worker.Orchestrator
	dispatcher   *dispatcher.Dispatcher
	sources      Sources
	httpClient   *http.Client
}

var _ SyncLogic = (*SyncLogicImpl)(nil)

func NewSyncLogic(cfg *config.Config, repo models.Repository, o *worker.Orchestrator, d *dispatcher.Dispatcher,
	sources Sources, client *http.Client) *SyncLogicImpl {
	return &SyncLogicImpl{
		cfg:          cfg,
		repo:         repo,
		orchestrator: o,
		dispatcher:   d,
		sources:      sources,
		httpClient:   client,
	}
}

// CreateSync validates the raw source settings against the schema before decoding
// them, then stores the sync as a draft.
func (l *SyncLogicImpl) CreateSync(ctx context.Context, req *CreateSyncRequest) (*models.Sync, error) {
	if len(req.Source) == 0 {
		return nil, terr.Wrapf(&terr.ConfigurationError, "source is required")
	}
	if err := models.ValidateSourceConfigJSON(req.Source); err != nil {
		return nil, err
	}
	var src models.SourceConfig
	if err := json.Unmarshal(req.Source, &src); err != nil {
		return nil, terr.Wrapf(&terr.ConfigurationError, "decode source: %v", err)
	}
	s := &models.Sync{
		ID:             uuid.NewString(),
		TeamID:         req.TeamID,
		Name:           req.Name,
		Status:         models.SyncDraft,
		Source:         src,
		DestinationID:  req.DestinationID,
		TableMappings:  req.TableMappings,
		Schedule:       req.Schedule,
		RetryPolicy:    req.RetryPolicy,
		ConflictPolicy: req.ConflictPolicy,
	}
	if s.ConflictPolicy == "" {
		s.ConflictPolicy = models.ConflictSource
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := l.repo.CreateSync(ctx, s); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"sync": s.ID, "team": s.TeamID, "kind": s.Source.Kind}).Info("sync created")
	return s, nil
}

func (l *SyncLogicImpl) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	return l.repo.GetSync(ctx, id)
}

func (l *SyncLogicImpl) ListSyncs(ctx context.Context, teamID string) ([]models.Sync, error) {
	return l.repo.ListSyncs(ctx, teamID)
}

// Activate installs the listener of every captured table, then moves the sync to
// active. A sync whose listeners could not be installed stays a draft.
func (l *SyncLogicImpl) Activate(ctx context.Context, id string) (*models.Sync, error) {
	s, err := l.repo.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SyncDraft {
		return nil, terr.Wrapf(&terr.InvalidTransition, "sync %s: %s -> %s", id, s.Status, models.SyncActive)
	}
	p, err := listener.ForSource(s.Source, l.sources.DB, l.httpClient)
	if err != nil {
		return nil, err
	}
	webhookURL := l.cfg.WebhookURL(s.ID)
	for _, m := range s.TableMappings {
		if m.Direction == models.DestinationToSource {
			continue
		}
		if err := p.EnsureListener(ctx, m.SourceTable, webhookURL); err != nil {
			logrus.WithFields(logrus.Fields{"sync": s.ID, "table": m.SourceTable}).Errorf("install listener: %v", err)
			return nil, terr.Wrapf(err, "activate sync %s: table %s", s.ID, m.SourceTable)
		}
	}
	return l.transition(ctx, id, models.SyncActive)
}

func (l *SyncLogicImpl) Pause(ctx context.Context, id string) (*models.Sync, error) {
	return l.transition(ctx, id, models.SyncPaused)
}

// Resume only leaves paused; errored syncs are recreated after their config is fixed.
// Webhook syncs are never due on a schedule, so deliveries staged while paused get
// their job here.
func (l *SyncLogicImpl) Resume(ctx context.Context, id string) (*models.Sync, error) {
	s, err := l.repo.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SyncPaused {
		return nil, terr.Wrapf(&terr.InvalidTransition, "sync %s: %s -> %s", id, s.Status, models.SyncActive)
	}
	resumed, err := l.transition(ctx, id, models.SyncActive)
	if err != nil {
		return nil, err
	}
	if resumed.Source.Kind != models.CaptureWebhook {
		return resumed, nil
	}
	if _, err := l.dispatcher.Enqueue(ctx, resumed); err != nil && !terr.Is(err, &terr.ConflictingJobExists) {
		return nil, terr.Wrapf(err, "resume sync %s", id)
	}
	return resumed, nil
}

func (l *SyncLogicImpl) transition(ctx context.Context, id string, to models.SyncStatus) (*models.Sync, error) {
	if err := l.repo.UpdateSyncStatus(ctx, id, to, ""); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"sync": id}).Infof("sync moved to %s", to)
	return l.repo.GetSync(ctx, id)
}

func (l *SyncLogicImpl) Delete(ctx context.Context, id string) error {
	return l.repo.DeleteSync(ctx, id)
}

func (l *SyncLogicImpl) Resync(ctx context.Context, id, table string) error {
	if err := l.orchestrator.Resync(ctx, id, table); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"sync": id, "table": table}).Info("cursor reset for resync")
	return nil
}

func (l *SyncLogicImpl) ListJobs(ctx context.Context, id string, limit int) ([]models.SyncJob, error) {
	if _, err := l.repo.GetSync(ctx, id); err != nil {
		return nil, err
	}
	return l.repo.ListJobs(ctx, id, limit)
}

// ReportJob records the progress the executor reports for a job. A failure may
// append a retry job, which is returned after the failed one.
func (l *SyncLogicImpl) ReportJob(ctx context.Context, jobID string, report JobReport) ([]models.SyncJob, error) {
	var (
		job *models.SyncJob
		err error
	)
	switch report.Status {
	case models.JobRunning:
		current, gerr := l.repo.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == models.JobPending {
			job, err = l.dispatcher.Start(ctx, jobID)
			if err != nil || report.Progress == 0 {
				break
			}
		}
		job, err = l.dispatcher.Progress(ctx, jobID, report.Progress)
	case models.JobCompleted:
		job, err = l.dispatcher.Complete(ctx, jobID)
	case models.JobFailed:
		failedJob, retry, ferr := l.dispatcher.Fail(ctx, jobID, report.Error)
		if ferr != nil {
			return nil, ferr
		}
		jobs := []models.SyncJob{*failedJob}
		if retry != nil {
			jobs = append(jobs, *retry)
		}
		return jobs, nil
	default:
		return nil, terr.Wrapf(&terr.InvalidTransition, "job %s: cannot report status %q", jobID, report.Status)
	}
	if err != nil {
		return nil, err
	}
	return []models.SyncJob{*job}, nil
}

// ReceiveWebhook verifies and decodes one delivery, then hands it to the orchestrator.
// A nil job with a nil error means the delivery was staged without a new job.
func (l *SyncLogicImpl) ReceiveWebhook(ctx context.Context, id string, header http.Header, body []byte) (*models.SyncJob, error) {
	s, err := l.repo.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := l.sources.Webhook(s)
	if err != nil {
		return nil, err
	}
	if err := src.Verify(header, body); err != nil {
		return nil, err
	}
	records, err := src.Decode(header, body)
	if err != nil {
		return nil, err
	}
	return l.orchestrator.Deliver(ctx, s.ID, records)
}

func (l *SyncLogicImpl) RunTick(ctx context.Context) (*worker.TickReport, error) {
	return l.orchestrator.RunTick(ctx)
}

func (l *SyncLogicImpl) Stats(window time.Duration) worker.Stats {
	return l.orchestrator.Stats(window)
}
