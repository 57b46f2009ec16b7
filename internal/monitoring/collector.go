package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// MetricsSnapshot holds a point-in-time view of classification health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal      int     `json:"runs_total"`
	RunsComplete   int     `json:"runs_complete"`
	RunsFailed     int     `json:"runs_failed"`
	RunsRunning    int     `json:"runs_running"`
	RunFailRate    float64 `json:"run_fail_rate"`
	RecordsUpdated int64   `json:"records_updated"`
	RecordsErrored int64   `json:"records_errored"`

	// Runs still marked running after the stale threshold, regardless of window.
	StaleRuns []string `json:"stale_runs,omitempty"`

	// Retry queue depth.
	RetryQueueDepth int `json:"retry_queue_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the subset of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error)
	ListFailures(ctx context.Context) ([]model.FailedKey, error)
}

// Collector gathers metrics from the run log and retry queue.
type Collector struct {
	src        RunSource
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. Runs still running after
// staleAfter are reported as stale; 0 disables the check.
func NewCollector(src RunSource, staleAfter time.Duration) *Collector {
	return &Collector{src: src, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.Status == model.RunStatusRunning && c.staleAfter > 0 && now.Sub(r.StartedAt) > c.staleAfter {
			snap.StaleRuns = append(snap.StaleRuns, r.ID)
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.RecordsUpdated += r.Updated
		snap.RecordsErrored += r.Errored
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	keys, err := c.src.ListFailures(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failures")
	}
	snap.RetryQueueDepth = len(keys)

	return snap, nil
}
