package mapping

import (
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// mappingFile is the YAML layout of a hand-maintained mapping file.
type mappingFile struct {
	Mappings []model.CategoryMapping `yaml:"mappings"`
}

// categoryFile is the YAML layout of a category catalog file.
type categoryFile struct {
	Categories []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Slug string `yaml:"slug"`
		Subs []struct {
			ID   string `yaml:"id"`
			Name string `yaml:"name"`
			Slug string `yaml:"slug"`
		} `yaml:"subcategories"`
	} `yaml:"categories"`
}

// DecodeYAML reads mappings from a YAML document with a top-level "mappings" list.
func DecodeYAML(r io.Reader) ([]model.CategoryMapping, error) {
	var f mappingFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if eris.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "mapping: decode yaml")
	}
	for i := range f.Mappings {
		f.Mappings[i].Code = strings.TrimSpace(f.Mappings[i].Code)
	}
	return f.Mappings, nil
}

// DecodeCategoriesYAML reads a nested category catalog and flattens it.
func DecodeCategoriesYAML(r io.Reader) ([]model.Category, error) {
	var f categoryFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, eris.Wrap(err, "mapping: decode categories yaml")
	}
	var out []model.Category
	for _, c := range f.Categories {
		out = append(out, model.Category{ID: c.ID, Name: c.Name, Slug: c.Slug})
		for _, s := range c.Subs {
			out = append(out, model.Category{ID: s.ID, Name: s.Name, Slug: s.Slug, ParentID: c.ID})
		}
	}
	if err := ValidateCategories(out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromRecord parses a CSV record laid out as code, main_category_id,
// sub_category_id, confidence. A missing confidence column means 1.0.
func FromRecord(fields []string) (model.CategoryMapping, error) {
	if len(fields) < 2 {
		return model.CategoryMapping{}, eris.Errorf("mapping: expected at least 2 columns, got %d", len(fields))
	}
	m := model.CategoryMapping{
		Code:           strings.TrimSpace(fields[0]),
		MainCategoryID: strings.TrimSpace(fields[1]),
		Confidence:     1.0,
		Source:         model.MappingSourceManual,
	}
	if len(fields) > 2 {
		m.SubCategoryID = strings.TrimSpace(fields[2])
	}
	if len(fields) > 3 && strings.TrimSpace(fields[3]) != "" {
		conf, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			return model.CategoryMapping{}, eris.Wrapf(err, "mapping: parse confidence for %s", m.Code)
		}
		m.Confidence = conf
	}
	return m, Validate(m)
}
