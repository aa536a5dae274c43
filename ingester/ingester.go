package ingester

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// Handoff takes durable ownership of a change batch. Once it returns nil the caller may
// commit the cursor past the batch; it must tolerate the same batch arriving again.
type Handoff interface {
	Handoff(ctx context.Context, syncID string, records []models.ChangeRecord) error
}

// StagingIngester writes batches to the staged_changes table, where the downstream
// executor picks them up. Re-delivered records are dropped by their dedup key.
type StagingIngester struct {
	repo          models.ChangeRepository
	statsRecorder *IngestStatsRecorder
}

func NewStagingIngester(repo models.ChangeRepository) *StagingIngester {
	return &StagingIngester{repo: repo, statsRecorder: NewIngestStatsRecorder()}
}

func (ig *StagingIngester) Handoff(ctx context.Context, syncID string, records []models.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	startTime := time.Now()
	staged, err := ig.repo.StageChanges(ctx, syncID, records)
	if err != nil {
		return errors.Wrapf(err, "stage %d changes of sync %s", len(records), syncID)
	}
	ig.statsRecorder.RecordMetric(0, staged)
	logrus.WithFields(logrus.Fields{"sync": syncID, "received": len(records), "staged": staged}).
		Infof("staged changes in %v ms", time.Since(startTime).Milliseconds())
	return nil
}

func (ig *StagingIngester) Stats(window time.Duration) IngestStatsData {
	return ig.statsRecorder.Stats(window)
}

// Chain hands a batch to every member in order and stops at the first failure.
type Chain []Handoff

func (c Chain) Handoff(ctx context.Context, syncID string, records []models.ChangeRecord) error {
	for _, h := range c {
		if err := h.Handoff(ctx, syncID, records); err != nil {
			return err
		}
	}
	return nil
}
