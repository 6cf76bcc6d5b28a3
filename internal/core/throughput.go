package core

import (
	"time"

	"github.com/VividCortex/ewma"
)

// throughputMeter smooths the rows/second rate of a job with an
// exponentially weighted moving average over the emission samples.
type throughputMeter struct {
	avg      ewma.MovingAverage
	lastRows int64
	lastAt   time.Time
}

func newThroughputMeter(start time.Time) *throughputMeter {
	return &throughputMeter{avg: ewma.NewMovingAverage(), lastAt: start}
}

// Observe records the cumulative row count at time now and returns the
// smoothed rate. Samples closer together than a millisecond are ignored.
func (m *throughputMeter) Observe(rows int64, now time.Time) float64 {
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed < 0.001 {
		return m.avg.Value()
	}
	rate := float64(rows-m.lastRows) / elapsed
	if rate < 0 {
		rate = 0
	}
	m.avg.Add(rate)
	m.lastRows = rows
	m.lastAt = now
	return m.avg.Value()
}
