// Package catalog loads problem-type and company reference data from files.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/models"
)

// ProblemTypeEntry is a problem type as written in a catalog file. The cost
// is a decimal string so no precision is lost on the way in.
type ProblemTypeEntry struct {
	ID              string `json:"id" toml:"id" yaml:"id"`
	Name            string `json:"name" toml:"name" yaml:"name"`
	Icon            string `json:"icon" toml:"icon" yaml:"icon"`
	CostPerUnitArea string `json:"costPerUnitArea" toml:"cost_per_m2" yaml:"cost_per_m2"`
}

// File is the on-disk catalog format.
type File struct {
	ProblemTypes []ProblemTypeEntry `json:"problemTypes" toml:"problem_type" yaml:"problem_types"`
	Companies    []models.Company   `json:"companies" toml:"company" yaml:"companies"`
}

// Writer is the subset of store.Store used to apply a catalog.
type Writer interface {
	UpsertProblemType(ctx context.Context, pt *models.ProblemType) error
	UpsertCompany(ctx context.Context, c *models.Company) error
}

// Result counts what Apply wrote.
type Result struct {
	ProblemTypes int `json:"problemTypes"`
	Companies    int `json:"companies"`
}

// Load reads a catalog file. The format follows the extension: .toml, .yaml,
// .yml or .json.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	f, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes catalog bytes in the format named by ext.
func Parse(ext string, data []byte) (*File, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
	return &f, nil
}

// Types validates the problem type entries and converts them to models.
func (f *File) Types() ([]*models.ProblemType, error) {
	seen := make(map[string]bool, len(f.ProblemTypes))
	out := make([]*models.ProblemType, 0, len(f.ProblemTypes))
	for i, e := range f.ProblemTypes {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, apperr.Validation("id", "problem type #%d has no id", i+1)
		}
		if seen[id] {
			return nil, apperr.Validation("id", "duplicate problem type %q", id)
		}
		seen[id] = true

		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = id
		}
		cost := decimal.Zero
		if s := strings.TrimSpace(e.CostPerUnitArea); s != "" {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, apperr.Validation("costPerUnitArea", "problem type %q: invalid cost %q", id, s)
			}
			cost = d
		}
		if cost.IsNegative() {
			return nil, apperr.Validation("costPerUnitArea", "problem type %q: cost must not be negative", id)
		}
		out = append(out, &models.ProblemType{ID: id, Name: name, Icon: e.Icon, CostPerUnitArea: cost})
	}
	return out, nil
}

// Apply upserts every entry of f. Existing issues keep the price they copied.
func Apply(ctx context.Context, w Writer, f *File) (*Result, error) {
	types, err := f.Types()
	if err != nil {
		return nil, err
	}
	for i, c := range f.Companies {
		if strings.TrimSpace(c.ID) == "" {
			return nil, apperr.Validation("id", "company #%d has no id", i+1)
		}
	}

	res := &Result{}
	for _, pt := range types {
		if err := w.UpsertProblemType(ctx, pt); err != nil {
			return res, fmt.Errorf("upsert problem type %s: %w", pt.ID, err)
		}
		res.ProblemTypes++
	}
	for i := range f.Companies {
		c := f.Companies[i]
		c.ID = strings.TrimSpace(c.ID)
		if c.Name == "" {
			c.Name = c.ID
		}
		if err := w.UpsertCompany(ctx, &c); err != nil {
			return res, fmt.Errorf("upsert company %s: %w", c.ID, err)
		}
		res.Companies++
	}
	return res, nil
}
