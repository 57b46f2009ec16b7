package model

import "time"

// RunStatus represents the lifecycle of a classification run in the run log.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// SkipReason explains why a record was left untouched.
type SkipReason string

const (
	SkipNoCode        SkipReason = "no_code"
	SkipClassified    SkipReason = "already_classified"
	SkipExcluded      SkipReason = "excluded_code"
	SkipNoMapping     SkipReason = "no_mapping"
	SkipLowConfidence SkipReason = "below_threshold"
	SkipLostRace      SkipReason = "concurrent_update"
)

// RunReport summarizes one batch run.
type RunReport struct {
	RunID       string               `json:"run_id"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Pages       int                  `json:"pages"`
	Processed   int64                `json:"processed"`
	Updated     int64                `json:"updated"`
	Skipped     int64                `json:"skipped"`
	Errored     int64                `json:"errored"`
	SkipReasons map[SkipReason]int64 `json:"skip_reasons,omitempty"`
	FailedCodes []string             `json:"failed_codes,omitempty"`
	Aborted     bool                 `json:"aborted"`
	Error       string               `json:"error,omitempty"`
	DryRun      bool                 `json:"dry_run,omitempty"`
}

// Duration returns the wall-clock time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// AddSkip increments the skip counter for a reason.
func (r *RunReport) AddSkip(reason SkipReason, n int64) {
	if n == 0 {
		return
	}
	if r.SkipReasons == nil {
		r.SkipReasons = make(map[SkipReason]int64)
	}
	r.SkipReasons[reason] += n
	r.Skipped += n
}

// Clean reports whether the run finished without write or fetch errors.
func (r *RunReport) Clean() bool {
	return r.Errored == 0 && !r.Aborted
}

// RunEntry is a row of the classification run log.
type RunEntry struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Scope       string     `json:"scope"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Processed   int64      `json:"processed"`
	Updated     int64      `json:"updated"`
	Skipped     int64      `json:"skipped"`
	Errored     int64      `json:"errored"`
	Error       string     `json:"error,omitempty"`
	Options     []byte     `json:"-"`
}

// FailedKey is a retry-queue entry: an activity code whose records failed to update.
type FailedKey struct {
	Code         string    `json:"code"`
	RunID        string    `json:"run_id"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error"`
	ErrorType    string    `json:"error_type"`
	FirstFailed  time.Time `json:"first_failed_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}
