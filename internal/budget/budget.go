// Package budget derives repair budgets from surface, severity and the
// problem type's price per m².
package budget

import (
	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/models"
)

const (
	MinSeverity     = 1
	MaxSeverity     = 10
	DefaultSeverity = 1
)

// Source tells where a displayed budget figure came from.
type Source string

const (
	SourceEstimated Source = "estimated"
	SourceComputed  Source = "computed"
	SourceUnpriced  Source = "unpriced"
)

// ValidateSeverity rejects levels outside [MinSeverity, MaxSeverity].
func ValidateSeverity(level int) error {
	if level < MinSeverity || level > MaxSeverity {
		return apperr.Validation("severityLevel", "severity %d outside %d..%d", level, MinSeverity, MaxSeverity)
	}
	return nil
}

// ValidateAmount rejects negative surfaces, prices and budgets. nil is allowed.
func ValidateAmount(field string, v *decimal.Decimal) error {
	if v != nil && v.IsNegative() {
		return apperr.Validation(field, "%s must not be negative, got %s", field, v.String())
	}
	return nil
}

// Compute returns cost × severity × surface, or nil when the surface is unknown.
func Compute(cost decimal.Decimal, severity int, surface *decimal.Decimal) (*decimal.Decimal, error) {
	if err := ValidateSeverity(severity); err != nil {
		return nil, err
	}
	if cost.IsNegative() {
		return nil, apperr.Validation("costPerUnitArea", "cost per m² must not be negative, got %s", cost.String())
	}
	if err := ValidateAmount("surfaceArea", surface); err != nil {
		return nil, err
	}
	if surface == nil {
		return nil, nil
	}
	v := cost.Mul(decimal.NewFromInt(int64(severity))).Mul(*surface)
	return &v, nil
}

// Recompute refreshes issue.ComputedBudget from its own fields.
func Recompute(issue *models.Issue) error {
	v, err := Compute(issue.CostPerUnitArea, issue.SeverityLevel, issue.SurfaceArea)
	if err != nil {
		return err
	}
	issue.ComputedBudget = v
	return nil
}

// Display picks the figure shown to users: the manager's estimate wins over
// the computed value.
func Display(issue *models.Issue) (*decimal.Decimal, Source) {
	switch {
	case issue.EstimatedBudget != nil:
		return issue.EstimatedBudget, SourceEstimated
	case issue.ComputedBudget != nil:
		return issue.ComputedBudget, SourceComputed
	default:
		return nil, SourceUnpriced
	}
}
