package model

import "time"

// BusinessRecord is the subset of a business listing the classifier reads and writes.
type BusinessRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	ActivityCode   string    `json:"activity_code,omitempty"`
	MainCategoryID string    `json:"main_category_id,omitempty"`
	SubCategoryID  string    `json:"sub_category_id,omitempty"`
	Categories     []string  `json:"categories,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// HasCode reports whether the record carries an economic-activity code.
func (r BusinessRecord) HasCode() bool {
	return r.ActivityCode != ""
}

// IsClassified reports whether a main category is already assigned.
func (r BusinessRecord) IsClassified() bool {
	return r.MainCategoryID != ""
}

// Assignment is a category decision for one record.
type Assignment struct {
	RecordID       string  `json:"record_id"`
	Code           string  `json:"code"`
	MainCategoryID string  `json:"main_category_id"`
	SubCategoryID  string  `json:"sub_category_id,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// CategoryList returns the array form written to the record's categories column.
func (a Assignment) CategoryList() []string {
	if a.SubCategoryID == "" {
		return []string{a.MainCategoryID}
	}
	return []string{a.MainCategoryID, a.SubCategoryID}
}

// CodeCount pairs an activity code with the number of records carrying it.
type CodeCount struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
	Label string `json:"label,omitempty"`
}
