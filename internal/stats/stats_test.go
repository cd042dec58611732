package stats

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/civtrack/internal/models"
)

func at(day int) *time.Time {
	t := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
	return &t
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestCompute_Empty(t *testing.T) {
	s := NewCalculator().Compute(nil, nil)

	assert.Zero(t, s.Total)
	assert.Zero(t, s.MeanProgress)
	assert.Zero(t, s.MeanDaysToFinish)
	assert.Equal(t, 0, s.ByStatus[models.IssueStatusPending])
	assert.Equal(t, 0.0, s.Percent[models.IssueStatusDone])
	assert.True(t, s.TotalBudget.IsZero())
	assert.Empty(t, s.DelayByType)
}

func TestCompute_CountsAndBudgets(t *testing.T) {
	issues := []*models.Issue{
		{Status: models.IssueStatusPending, ProgressPercent: 0, CreatedAt: *at(0)},
		{Status: models.IssueStatusInProgress, ProgressPercent: 50, CreatedAt: *at(0),
			SurfaceArea: dec("25"), ComputedBudget: dec("5000000"), WorkStartedAt: at(2)},
		{Status: models.IssueStatusDone, ProgressPercent: 100, CreatedAt: *at(0),
			SurfaceArea: dec("10"), ComputedBudget: dec("100"), EstimatedBudget: dec("250"),
			WorkStartedAt: at(4), WorkFinishedAt: at(10), ProblemTypeID: "route"},
		{Status: models.IssueStatusRejected, ProgressPercent: 50, CreatedAt: *at(0)},
	}

	s := NewCalculator().Compute(issues, []*models.ProblemType{{ID: "route", Name: "Route endommagée"}})

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.ByStatus[models.IssueStatusRejected])
	assert.Equal(t, 25.0, s.Percent[models.IssueStatusDone])
	assert.True(t, decimal.RequireFromString("35").Equal(s.TotalSurface))
	assert.True(t, decimal.RequireFromString("5000250").Equal(s.TotalBudget), s.TotalBudget.String())
	assert.Equal(t, 2, s.Unpriced)
	assert.Equal(t, 50.0, s.MeanProgress, "rejected issues are excluded from progress")
	assert.Equal(t, 3.0, s.MeanDaysToStart)
	assert.Equal(t, 6.0, s.MeanDaysOfWork)
	assert.Equal(t, 10.0, s.MeanDaysToFinish)

	require.Len(t, s.DelayByType, 1)
	assert.Equal(t, "Route endommagée", s.DelayByType[0].Name)
	assert.Equal(t, 1, s.DelayByType[0].Count)
}

func TestCompute_DelayByTypeSlowestFirst(t *testing.T) {
	issues := []*models.Issue{
		{Status: models.IssueStatusDone, ProblemTypeID: "eau", CreatedAt: *at(0), WorkFinishedAt: at(3)},
		{Status: models.IssueStatusDone, ProblemTypeID: "route", CreatedAt: *at(0), WorkFinishedAt: at(20)},
		{Status: models.IssueStatusDone, ProblemTypeID: "route", CreatedAt: *at(0), WorkFinishedAt: at(11)},
	}

	s := NewCalculator().Compute(issues, nil)

	require.Len(t, s.DelayByType, 2)
	assert.Equal(t, "route", s.DelayByType[0].ProblemTypeID)
	assert.Equal(t, "route", s.DelayByType[0].Name, "unknown names fall back to the id")
	assert.Equal(t, 15.5, s.DelayByType[0].MeanDays)
	assert.Equal(t, 3.0, s.DelayByType[1].MeanDays)
}

func TestDays_NeverNegative(t *testing.T) {
	assert.Zero(t, days(*at(5), *at(1)))
	assert.Equal(t, 1.5, days(*at(0), at(1).Add(12*time.Hour)))
}
