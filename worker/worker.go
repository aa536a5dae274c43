package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/config"
	"github.com/databendcloud/sync-dispatch/cursor"
	"github.com/databendcloud/sync-dispatch/dispatcher"
	"github.com/databendcloud/sync-dispatch/ingester"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/models"
	"github.com/databendcloud/sync-dispatch/source"
)

// SourceProvider resolves the change source of a sync.
type SourceProvider interface {
	For(s *models.Sync) (source.ChangeSource, error)
}

type pruner interface {
	Prune(ctx context.Context, table string, throughID int64) (int64, error)
}

// Orchestrator runs the poll cycles: for every due sync it drains each table since its
// cursor, hands the batch off, enqueues a job and only then commits the cursors.
type Orchestrator struct {
	Name       string
	Cfg        *config.Config
	repo       models.Repository
	cursors    *cursor.Store
	sources    SourceProvider
	handoff    ingester.Handoff
	dispatcher *dispatcher.Dispatcher
	locker     Locker
	clock      clock.Clock

	statsRecorder   *OrchestratorStatsRecorder
	extractRecorder *source.ExtractStatsRecorder
}

// TickReport summarizes one RunTick.
type TickReport struct {
	Due     int              `json:"due"`
	Synced  int              `json:"synced"`
	Skipped int              `json:"skipped"`
	Failed  int              `json:"failed"`
	Jobs    []models.SyncJob `json:"jobs"`
}

type outcome int

const (
	synced outcome = iota
	skipped
	failed
)

func NewOrchestrator(cfg *config.Config, repo models.Repository, sources SourceProvider, handoff ingester.Handoff,
	disp *dispatcher.Dispatcher, locker Locker, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Orchestrator{
		Name:            "orchestrator",
		Cfg:             cfg,
		repo:            repo,
		cursors:         cursor.NewStore(repo),
		sources:         sources,
		handoff:         handoff,
		dispatcher:      disp,
		locker:          locker,
		clock:           clk,
		statsRecorder:   NewOrchestratorStatsRecorder(),
		extractRecorder: source.NewExtractStatsRecorder(),
	}
}

// RunTick polls every sync due at the current time across MaxThread goroutines.
func (o *Orchestrator) RunTick(ctx context.Context) (*TickReport, error) {
	due, err := o.repo.GetActiveSyncsDueForRun(ctx, o.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, "load due syncs")
	}
	report := &TickReport{Due: len(due)}
	if len(due) == 0 {
		return report, nil
	}
	logrus.Infof("%s: %d syncs due", o.Name, len(due))

	queue := make(chan *models.Sync, len(due))
	for i := range due {
		queue <- &due[i]
	}
	close(queue)

	var mu sync.Mutex
	wg := &sync.WaitGroup{}
	threads := o.Cfg.MaxThread
	if threads > len(due) {
		threads = len(due)
	}
	wg.Add(threads)
	for i := 0; i < threads; i++ {
		go func(idx int) {
			defer wg.Done()
			for s := range queue {
				job, result, err := o.runSync(ctx, s)
				if err != nil {
					logrus.WithFields(logrus.Fields{"thread": idx, "sync": s.ID}).Warnf("poll cycle failed: %v", err)
				}
				mu.Lock()
				switch result {
				case synced:
					report.Synced++
				case skipped:
					report.Skipped++
				case failed:
					report.Failed++
				}
				if job != nil {
					report.Jobs = append(report.Jobs, *job)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return report, nil
}

type pendingCommit struct {
	table string
	at    cursor.Cursor
}

func (o *Orchestrator) runSync(ctx context.Context, s *models.Sync) (*models.SyncJob, outcome, error) {
	l := logrus.WithFields(logrus.Fields{"sync": s.ID, "kind": s.Source.Kind})
	unlock, ok, err := o.locker.TryLock(ctx, s.ID)
	if err != nil {
		return nil, failed, errors.Wrap(err, "acquire sync lock")
	}
	if !ok {
		l.Info("skip sync, another poll cycle holds its lock")
		return nil, skipped, nil
	}
	defer unlock()

	src, err := o.sources.For(s)
	if err != nil {
		return nil, o.fail(ctx, s, "", "open source", err), err
	}

	var (
		commits []pendingCommit
		changes int
	)
	for _, m := range s.TableMappings {
		if m.Direction == models.DestinationToSource {
			continue
		}
		from, err := o.cursors.Get(ctx, s.ID, m.SourceTable)
		if err != nil {
			return nil, failed, errors.Wrapf(err, "load cursor of %s", m.SourceTable)
		}
		batch, next, err := o.poll(ctx, src, m, from)
		if err != nil {
			return nil, o.fail(ctx, s, m.SourceTable, "poll", err), err
		}
		if len(batch) > 0 {
			if err := o.handoff.Handoff(ctx, s.ID, batch); err != nil {
				return nil, o.fail(ctx, s, m.SourceTable, "handoff", err), err
			}
			o.statsRecorder.RecordHandoff(len(batch))
			o.extractRecorder.RecordMetric(src.Kind(), len(batch))
		}
		l.WithField("table", m.SourceTable).Debugf("drained %d changes, %s -> %s", len(batch), from, next)
		commits = append(commits, pendingCommit{table: m.SourceTable, at: next})
		changes += len(batch)
	}

	job, err := o.dispatcher.Enqueue(ctx, s)
	if err != nil && !terr.Is(err, &terr.ConflictingJobExists) {
		return nil, failed, err
	}
	if job != nil {
		o.statsRecorder.RecordJob()
	}

	for _, c := range commits {
		if err := o.cursors.Set(ctx, s.ID, c.table, c.at); err != nil {
			// the batch stays staged and is delivered again next tick
			return job, failed, errors.Wrapf(err, "commit cursor of %s", c.table)
		}
	}
	if err := o.repo.MarkScheduled(ctx, s.ID, o.clock.Now()); err != nil {
		return job, failed, err
	}
	l.Infof("poll cycle done, %d changes over %d tables", changes, len(commits))
	return job, synced, nil
}

func (o *Orchestrator) poll(ctx context.Context, src source.ChangeSource, m models.TableMapping, from cursor.Cursor) ([]models.ChangeRecord, cursor.Cursor, error) {
	pctx, cancel := context.WithTimeout(ctx, o.Cfg.PollTimeout.Duration)
	defer cancel()
	stream, err := src.Poll(pctx, m, from)
	if err != nil {
		return nil, cursor.Cursor{}, err
	}
	batch, next, err := source.Collect(pctx, stream)
	if err != nil && pctx.Err() == context.DeadlineExceeded && !terr.IsPersistent(err) {
		return nil, cursor.Cursor{}, terr.Wrapf(&terr.SourceUnavailable, "poll timed out after %s: %v", o.Cfg.PollTimeout.Duration, err)
	}
	return batch, next, err
}

// fail parks the sync in error for persistent failures; anything else only skips
// this tick and leaves the cursors where they were.
func (o *Orchestrator) fail(ctx context.Context, s *models.Sync, table, op string, err error) outcome {
	o.statsRecorder.RecordFailure()
	l := logrus.WithFields(logrus.Fields{"sync": s.ID, "table": table, "op": op})
	if !terr.IsPersistent(err) {
		l.Warnf("skip tick: %v", err)
		return failed
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	if table != "" {
		msg = fmt.Sprintf("%s: %s: %v", table, op, err)
	}
	if uerr := o.repo.UpdateSyncStatus(ctx, s.ID, models.SyncError, msg); uerr != nil {
		l.Errorf("mark sync error: %v", uerr)
		return failed
	}
	l.Errorf("sync moved to error: %s", msg)
	return failed
}

// Deliver is the push path of webhook syncs. Records of unmapped tables are dropped. A
// paused sync keeps staging deliveries but gets no job until it is resumed.
func (o *Orchestrator) Deliver(ctx context.Context, syncID string, records []models.ChangeRecord) (*models.SyncJob, error) {
	s, err := o.repo.GetSync(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SyncActive && s.Status != models.SyncPaused {
		return nil, terr.Wrapf(&terr.ConfigurationError, "sync %s is %s and does not accept deliveries", s.ID, s.Status)
	}
	var accepted []models.ChangeRecord
	for _, r := range records {
		m, ok := s.Mapping(r.Table)
		if !ok || m.Direction == models.DestinationToSource {
			logrus.WithFields(logrus.Fields{"sync": s.ID, "table": r.Table}).Debug("drop delivery for unmapped table")
			continue
		}
		accepted = append(accepted, r)
	}
	if len(accepted) > 0 {
		if err := o.handoff.Handoff(ctx, s.ID, accepted); err != nil {
			return nil, terr.Wrapf(&terr.SourceUnavailable, "hand off delivery of sync %s: %v", s.ID, err)
		}
		o.statsRecorder.RecordHandoff(len(accepted))
		o.extractRecorder.RecordMetric(models.CaptureWebhook, len(accepted))
	}
	if s.Status != models.SyncActive {
		return nil, nil
	}
	job, err := o.dispatcher.Enqueue(ctx, s)
	if terr.Is(err, &terr.ConflictingJobExists) {
		return nil, nil
	}
	if err != nil {
		return nil, terr.Wrapf(&terr.SourceUnavailable, "dispatch delivery of sync %s: %v", s.ID, err)
	}
	o.statsRecorder.RecordJob()
	return job, nil
}

// Resync forgets the cursor of table, or of every table when table is empty, so the
// next poll starts over from a full sync.
func (o *Orchestrator) Resync(ctx context.Context, syncID, table string) error {
	s, err := o.repo.GetSync(ctx, syncID)
	if err != nil {
		return err
	}
	tables := []string{table}
	if table == "" {
		tables = tables[:0]
		for _, m := range s.TableMappings {
			tables = append(tables, m.SourceTable)
		}
	} else if _, ok := s.Mapping(table); !ok {
		return terr.Wrapf(&terr.NotFound, "sync %s has no table %s", syncID, table)
	}
	unlock, ok, err := o.locker.TryLock(ctx, s.ID)
	if err != nil {
		return err
	}
	if !ok {
		return terr.Wrapf(&terr.ConflictingJobExists, "sync %s is polling, retry the resync later", syncID)
	}
	defer unlock()
	for _, t := range tables {
		if err := o.cursors.Reset(ctx, s.ID, t); err != nil {
			return err
		}
	}
	return nil
}

type logKey struct {
	dialect, dsn, table string
}

// PruneChangeLogs deletes trigger log rows every sync reading them has committed past.
// Syncs sharing a (dsn, table) pair hold the log back to the lowest of their cursors;
// one without a committed cursor holds it entirely.
func (o *Orchestrator) PruneChangeLogs(ctx context.Context) (int64, error) {
	all, err := o.repo.ListSyncs(ctx, "")
	if err != nil {
		return 0, err
	}
	lowest := map[logKey]int64{}
	owners := map[logKey]*models.Sync{}
	for i := range all {
		s := &all[i]
		if s.Source.Kind != models.CaptureTriggerLog || s.Source.TriggerLog == nil {
			continue
		}
		if s.Status != models.SyncActive && s.Status != models.SyncPaused {
			continue
		}
		committed, err := o.cursors.All(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		for _, m := range s.TableMappings {
			k := logKey{s.Source.TriggerLog.Dialect, s.Source.TriggerLog.DSN, m.SourceTable}
			seq, err := committed[m.SourceTable].Sequence()
			if err != nil {
				seq = 0
			}
			if cur, ok := lowest[k]; !ok || seq < cur {
				lowest[k] = seq
			}
			owners[k] = s
		}
	}

	var total int64
	for k, through := range lowest {
		if through <= 0 {
			continue
		}
		src, err := o.sources.For(owners[k])
		if err != nil {
			return total, err
		}
		p, ok := src.(pruner)
		if !ok {
			continue
		}
		n, err := p.Prune(ctx, k.table, through)
		if err != nil {
			return total, err
		}
		if n > 0 {
			logrus.WithFields(logrus.Fields{"table": k.table, "through": through}).Infof("pruned %d change log rows", n)
		}
		total += n
	}
	return total, nil
}

// Run ticks every interval until ctx ends.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	logrus.Printf("Starting %s, tick every %s", o.Name, interval)
	ticker := o.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		o.tick(ctx)
		select {
		case <-ctx.Done():
			logrus.Printf("%s stopped", o.Name)
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	report, err := o.RunTick(ctx)
	if err != nil {
		logrus.Errorf("%s: tick failed: %v", o.Name, err)
		return
	}
	if report.Due > 0 {
		logrus.Infof("%s: tick done, %d synced, %d skipped, %d failed, %d jobs",
			o.Name, report.Synced, report.Skipped, report.Failed, len(report.Jobs))
	}
	if o.Cfg.PruneChangeLogs {
		if _, err := o.PruneChangeLogs(ctx); err != nil {
			logrus.Errorf("%s: prune change logs failed: %v", o.Name, err)
		}
	}
}

type Stats struct {
	OrchestratorStatsData
	RecordsPerSecond map[models.CaptureKind]float64 `json:"recordsPerSecond"`
}

func (o *Orchestrator) Stats(window time.Duration) Stats {
	return Stats{
		OrchestratorStatsData: o.statsRecorder.Stats(window),
		RecordsPerSecond:      o.extractRecorder.Stats(window).RecordsPerSecond,
	}
}
