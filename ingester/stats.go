package ingester

import (
	"sync"
	"time"

	timeseries "github.com/codesuki/go-time-series"
)

type IngestStatsRecorder struct {
	ingestedBytes *timeseries.TimeSeries
	ingestedRows  *timeseries.TimeSeries
	mu            sync.Mutex
}

type IngestStatsData struct {
	BytesPerSecond float64
	RowsPerSecond  float64
}

func NewIngestStatsRecorder() *IngestStatsRecorder {
	ingestedBytes, err := timeseries.NewTimeSeries()
	if err != nil {
		panic(err)
	}
	ingestedRows, err := timeseries.NewTimeSeries()
	if err != nil {
		panic(err)
	}
	return &IngestStatsRecorder{
		ingestedBytes: ingestedBytes,
		ingestedRows:  ingestedRows,
	}
}

func (stats *IngestStatsRecorder) RecordMetric(bytes int, rows int) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.ingestedBytes.Increase(bytes)
	stats.ingestedRows.Increase(rows)
}

func (stats *IngestStatsRecorder) Stats(statsWindow time.Duration) IngestStatsData {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	return IngestStatsData{
		BytesPerSecond: calcPerSecond(stats.ingestedBytes, statsWindow),
		RowsPerSecond:  calcPerSecond(stats.ingestedRows, statsWindow),
	}
}

func calcPerSecond(ts *timeseries.TimeSeries, duration time.Duration) float64 {
	amount, err := ts.Range(time.Now().Add(-duration), time.Now())
	if err != nil {
		return -1
	}

	return float64(amount) / duration.Seconds()
}
