package source

import (
	"sync"
	"time"

	timeseries "github.com/codesuki/go-time-series"

	"github.com/databendcloud/sync-dispatch/pkg/models"
)

// ExtractStatsRecorder counts the change records each capture kind produced.
type ExtractStatsRecorder struct {
	extracted map[models.CaptureKind]*timeseries.TimeSeries
	mu        sync.Mutex
}

type ExtractStatsData struct {
	RecordsPerSecond map[models.CaptureKind]float64
}

func NewExtractStatsRecorder() *ExtractStatsRecorder {
	return &ExtractStatsRecorder{extracted: map[models.CaptureKind]*timeseries.TimeSeries{}}
}

func (stats *ExtractStatsRecorder) RecordMetric(kind models.CaptureKind, records int) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	ts, ok := stats.extracted[kind]
	if !ok {
		var err error
		ts, err = timeseries.NewTimeSeries()
		if err != nil {
			panic(err)
		}
		stats.extracted[kind] = ts
	}
	ts.Increase(records)
}

func (stats *ExtractStatsRecorder) Stats(statsWindow time.Duration) ExtractStatsData {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	data := ExtractStatsData{RecordsPerSecond: map[models.CaptureKind]float64{}}
	for kind, ts := range stats.extracted {
		data.RecordsPerSecond[kind] = stats.calcPerSecond(ts, statsWindow)
	}
	return data
}

func (stats *ExtractStatsRecorder) calcPerSecond(ts *timeseries.TimeSeries, duration time.Duration) float64 {
	amount, err := ts.Range(time.Now().Add(-duration), time.Now())
	if err != nil {
		return -1
	}

	return float64(amount) / duration.Seconds()
}
