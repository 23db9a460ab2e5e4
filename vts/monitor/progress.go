package monitor

import (
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// SlogMonitor logs every build event with structured fields.
type SlogMonitor struct{}

func (SlogMonitor) OnEvent(ev Event) {
	if ev.Err != "" {
		slog.Error("Shard failed",
			"build", ev.BuildID,
			"shard", ev.Shard,
			"rows", ev.RowsProcessed,
			"error", ev.Err)
		return
	}
	if ev.Finished && ev.Shard == "" {
		slog.Info("Cache build finished",
			"build", ev.BuildID,
			"elapsed", ev.Elapsed)
		return
	}
	slog.Debug("Shard progress",
		"build", ev.BuildID,
		"shard", ev.Shard,
		"rows", ev.RowsProcessed,
		"chunks", ev.ChunksSealed,
		"finished", ev.Finished,
		"elapsed", ev.Elapsed)
}

// ThroughputMonitor accumulates rows-per-second samples from progress
// events and summarizes them.
type ThroughputMonitor struct {
	mu      sync.Mutex
	lastRow map[string]int64
	lastAt  map[string]float64
	samples []float64
}

// NewThroughputMonitor creates an empty throughput monitor.
func NewThroughputMonitor() *ThroughputMonitor {
	return &ThroughputMonitor{
		lastRow: make(map[string]int64),
		lastAt:  make(map[string]float64),
	}
}

func (tm *ThroughputMonitor) OnEvent(ev Event) {
	if ev.Shard == "" {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := ev.Elapsed.Seconds()
	prevRow, prevAt := tm.lastRow[ev.Shard], tm.lastAt[ev.Shard]
	if dt := now - prevAt; dt > 0 && ev.RowsProcessed > prevRow {
		tm.samples = append(tm.samples, float64(ev.RowsProcessed-prevRow)/dt)
	}
	tm.lastRow[ev.Shard] = ev.RowsProcessed
	tm.lastAt[ev.Shard] = now
}

// Summary returns the mean and standard deviation of observed
// rows-per-second samples.
func (tm *ThroughputMonitor) Summary() (mean, stddev float64, n int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.samples) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(tm.samples, nil)
	if len(tm.samples) > 1 {
		stddev = stat.StdDev(tm.samples, nil)
	}
	return mean, stddev, len(tm.samples)
}
