package models

import "github.com/shopspring/decimal"

// ProblemType is a catalog category with its current repair price per m².
type ProblemType struct {
	ID              string          `json:"id" toml:"id" yaml:"id"`
	Name            string          `json:"name" toml:"name" yaml:"name"`
	Icon            string          `json:"icon,omitempty" toml:"icon" yaml:"icon"`
	CostPerUnitArea decimal.Decimal `json:"costPerUnitArea" toml:"-" yaml:"-"`
}

// Company is a contractor that can be assigned to an issue.
type Company struct {
	ID        string `json:"id" toml:"id" yaml:"id"`
	Name      string `json:"name" toml:"name" yaml:"name"`
	Specialty string `json:"specialty,omitempty" toml:"specialty" yaml:"specialty"`
}
