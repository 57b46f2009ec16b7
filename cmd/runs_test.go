//go:build !integration

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/monitoring"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []model.RunEntry{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Status:      model.RunStatusComplete,
			Scope:       "all",
			StartedAt:   now,
			CompletedAt: &done,
			Processed:   120,
			Updated:     100,
			Skipped:     20,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Status:    model.RunStatusRunning,
			Scope:     "retry(3)",
			StartedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "SCOPE")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "retry(3)")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "2m0s")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	d1 := now.Add(60 * time.Second)
	d2 := now.Add(120 * time.Second)

	runs := []model.RunEntry{
		{ID: "1", Status: model.RunStatusComplete, StartedAt: now, CompletedAt: &d1, Processed: 10, Updated: 8},
		{ID: "2", Status: model.RunStatusFailed, StartedAt: now, CompletedAt: &d2, Processed: 5, Errored: 5},
		{ID: "3", Status: model.RunStatusRunning, StartedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Complete)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, int64(15), s.Processed)
	assert.Equal(t, int64(8), s.Updated)
	assert.Equal(t, int64(5), s.Errored)
	assert.InDelta(t, 90.0, s.AvgDurSecs, 0.01)
}

func TestRunsStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)
	assert.Zero(t, s.AvgDurSecs)
}

func TestRunsSince(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	runs := []model.RunEntry{
		{ID: "old", StartedAt: now.Add(-48 * time.Hour)},
		{ID: "new", StartedAt: now.Add(-1 * time.Hour)},
	}

	got := runsSince(runs, now.Add(-24*time.Hour))
	assert.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{Total: 2, Complete: 1, Failed: 1, Processed: 30, AvgDurSecs: 12.5})

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "Records processed:")
	assert.Contains(t, output, "12.5s")
}

func TestFormatRunStats_NoDuration(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{})
	assert.NotContains(t, buf.String(), "Avg duration")
}

func TestFormatFailures(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	long := "connection reset by peer while writing the page of assignments to the database"
	keys := []model.FailedKey{
		{Code: "1071", RunID: "abc12345-6789", Attempts: 2, ErrorType: "transient", LastError: long, LastFailedAt: now},
	}

	var buf bytes.Buffer
	formatFailures(&buf, keys)

	output := buf.String()
	assert.Contains(t, output, "1071")
	assert.Contains(t, output, "transient")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, long)
}

func TestFormatAlerts(t *testing.T) {
	var buf bytes.Buffer
	formatAlerts(&buf, []monitoring.Alert{
		{Type: monitoring.AlertStaleRun, Severity: "medium", Message: "1 run(s) still marked running after 6h: abc"},
	})

	output := buf.String()
	assert.Contains(t, output, "SEVERITY")
	assert.Contains(t, output, "stale_run")
	assert.Contains(t, output, "still marked running")
}

func TestNewChecker_StaleRunFromConfig(t *testing.T) {
	setTestConfig(t)
	cfg.Monitoring.StaleRunHours = 1
	cfg.Monitoring.LookbackWindowHours = 24
	st := seedTestStore(t)
	_, err := st.StartRun(context.Background(), "all", nil)
	require.NoError(t, err)

	// A fresh run is not stale.
	alerts, err := newChecker(st).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestTruncateID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"abc12345-6789-0000-0000-000000000000", "abc12345"},
		{"short", "short"},
		{"12345678", "12345678"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncateID(tt.input))
	}
}
