package worker

import (
	"sync"
	"time"

	timeseries "github.com/codesuki/go-time-series"
)

type OrchestratorStatsRecorder struct {
	handedOff   *timeseries.TimeSeries
	enqueued    *timeseries.TimeSeries
	failedSyncs *timeseries.TimeSeries
	mu          sync.Mutex
}

type OrchestratorStatsData struct {
	ChangesPerSecond    float64 `json:"changesPerSecond"`
	JobsPerSecond       float64 `json:"jobsPerSecond"`
	FailedSyncsInWindow int     `json:"failedSyncsInWindow"`
}

func NewOrchestratorStatsRecorder() *OrchestratorStatsRecorder {
	series := make([]*timeseries.TimeSeries, 3)
	for i := range series {
		ts, err := timeseries.NewTimeSeries()
		if err != nil {
			panic(err)
		}
		series[i] = ts
	}
	return &OrchestratorStatsRecorder{
		handedOff:   series[0],
		enqueued:    series[1],
		failedSyncs: series[2],
	}
}

func (stats *OrchestratorStatsRecorder) RecordHandoff(changes int) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.handedOff.Increase(changes)
}

func (stats *OrchestratorStatsRecorder) RecordJob() {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.enqueued.Increase(1)
}

func (stats *OrchestratorStatsRecorder) RecordFailure() {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.failedSyncs.Increase(1)
}

func (stats *OrchestratorStatsRecorder) Stats(statsWindow time.Duration) OrchestratorStatsData {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	failed, err := stats.failedSyncs.Range(time.Now().Add(-statsWindow), time.Now())
	if err != nil {
		failed = -1
	}
	return OrchestratorStatsData{
		ChangesPerSecond:    stats.calcPerSecond(stats.handedOff, statsWindow),
		JobsPerSecond:       stats.calcPerSecond(stats.enqueued, statsWindow),
		FailedSyncsInWindow: int(failed),
	}
}

func (stats *OrchestratorStatsRecorder) calcPerSecond(ts *timeseries.TimeSeries, duration time.Duration) float64 {
	amount, err := ts.Range(time.Now().Add(-duration), time.Now())
	if err != nil {
		return -1
	}

	return float64(amount) / duration.Seconds()
}
