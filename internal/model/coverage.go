package model

// CoverageReport summarizes how many records carry a category.
type CoverageReport struct {
	Total              int64            `json:"total"`
	WithCode           int64            `json:"with_code"`
	WithCategory       int64            `json:"with_category"`
	ClassifiedWithCode int64            `json:"classified_with_code"`
	CoveragePct        float64          `json:"coverage_pct"`
	ByCategory         map[string]int64 `json:"by_category"`
	UnmappedCodes      []CodeCount      `json:"unmapped_codes"`
	UnmappedRecords    int64            `json:"unmapped_records"`
	PendingCodes       []CodeCount      `json:"pending_codes"`
	PendingRecords     int64            `json:"pending_records"`
}
