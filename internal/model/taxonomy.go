package model

// CodeLevel is the depth of an economic-activity code in the taxonomy.
type CodeLevel int

const (
	LevelMajor        CodeLevel = 1
	LevelIntermediate CodeLevel = 2
	LevelSpecific     CodeLevel = 3
)

// String returns the level name.
func (l CodeLevel) String() string {
	switch l {
	case LevelMajor:
		return "major"
	case LevelIntermediate:
		return "intermediate"
	case LevelSpecific:
		return "specific"
	default:
		return "unknown"
	}
}

// EconomicActivityCode is one entry of the economic-activity code table.
type EconomicActivityCode struct {
	Code       string    `json:"code" yaml:"code"`
	Label      string    `json:"label" yaml:"label"`
	Level      CodeLevel `json:"level" yaml:"level"`
	ParentCode string    `json:"parent_code,omitempty" yaml:"parent_code,omitempty"`
}

// IsRoot reports whether the code has no parent.
func (c EconomicActivityCode) IsRoot() bool {
	return c.ParentCode == ""
}

// Category is a node of the application's two-level browsing taxonomy.
type Category struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Slug     string `json:"slug,omitempty" yaml:"slug,omitempty"`
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
}

// IsMain reports whether the category is top-level.
func (c Category) IsMain() bool {
	return c.ParentID == ""
}

// MappingSource records how a mapping came to exist.
type MappingSource string

const (
	MappingSourceManual    MappingSource = "manual"
	MappingSourceInherited MappingSource = "inherited"
)

// CategoryMapping associates an activity code with a category pair.
type CategoryMapping struct {
	Code           string        `json:"code" yaml:"code"`
	MainCategoryID string        `json:"main_category_id" yaml:"main_category_id"`
	SubCategoryID  string        `json:"sub_category_id,omitempty" yaml:"sub_category_id,omitempty"`
	Confidence     float64       `json:"confidence" yaml:"confidence"`
	Source         MappingSource `json:"source,omitempty" yaml:"source,omitempty"`
}

// Key returns the upsert key (code, main, sub).
func (m CategoryMapping) Key() MappingKey {
	return MappingKey{Code: m.Code, MainCategoryID: m.MainCategoryID, SubCategoryID: m.SubCategoryID}
}

// MappingKey uniquely identifies a mapping row.
type MappingKey struct {
	Code           string
	MainCategoryID string
	SubCategoryID  string
}
