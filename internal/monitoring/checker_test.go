package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir-cli/internal/config"
	"github.com/sells-group/bizdir-cli/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&mockSource{}, 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockSource{}, 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	// A cancelled context returns before the first check.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          ts.URL,
		LookbackWindowHours: 24,
		RetryQueueThreshold: 1,
	}
	src := &mockSource{failures: []model.FailedKey{{Code: "1071"}, {Code: "4776"}}}
	checker := NewChecker(NewCollector(src, 0), NewAlerter(cfg), cfg)

	alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRetryQueueDepth, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())

	last := checker.Last()
	require.NotNil(t, last.Snapshot)
	assert.Equal(t, 2, last.Snapshot.RetryQueueDepth)
	assert.Len(t, last.Alerts, 1)
	assert.Empty(t, last.Error)
}

func TestChecker_LastBeforeCheck(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&mockSource{}, 0), NewAlerter(cfg), cfg)

	last := checker.Last()
	assert.Nil(t, last.Snapshot)
	assert.NotNil(t, last.Alerts)
}

func TestChecker_RunChecksImmediately(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 3600, LookbackWindowHours: 24}
	src := &mockSource{failures: []model.FailedKey{{Code: "1071"}}}
	checker := NewChecker(NewCollector(src, 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return checker.Last().Snapshot != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, checker.Last().Snapshot.RetryQueueDepth)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockSource{listErr: errors.New("boom")}, 0), NewAlerter(cfg), cfg)

	_, err := checker.Check(context.Background())
	assert.Error(t, err)
	assert.Contains(t, checker.Last().Error, "boom")
}
