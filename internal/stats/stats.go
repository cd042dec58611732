package stats

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/budget"
	"github.com/joescharf/civtrack/internal/models"
)

// TypeDelay is the mean creation-to-finish delay of one problem type.
type TypeDelay struct {
	ProblemTypeID string  `json:"problemTypeId"`
	Name          string  `json:"name"`
	Count         int     `json:"count"`
	MeanDays      float64 `json:"meanDays"`
}

// Summary holds the processing statistics of a set of issues.
type Summary struct {
	Total    int                            `json:"total"`
	ByStatus map[models.IssueStatus]int     `json:"byStatus"`
	Percent  map[models.IssueStatus]float64 `json:"percent"`

	TotalSurface decimal.Decimal `json:"totalSurface"`
	TotalBudget  decimal.Decimal `json:"totalBudget"`
	Unpriced     int             `json:"unpriced"`

	// MeanProgress averages progressPercent over non-rejected issues.
	MeanProgress float64 `json:"meanProgress"`

	// Delays are in days, rounded to one decimal.
	MeanDaysToStart  float64     `json:"meanDaysToStart"`
	MeanDaysOfWork   float64     `json:"meanDaysOfWork"`
	MeanDaysToFinish float64     `json:"meanDaysToFinish"`
	DelayByType      []TypeDelay `json:"delayByType"`
}

// Calculator computes statistics for issues.
type Calculator struct{}

// NewCalculator returns a new stats Calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Compute summarizes issues. types resolves problem type names for the
// per-type delays and may be nil.
func (c *Calculator) Compute(issues []*models.Issue, types []*models.ProblemType) *Summary {
	s := &Summary{
		ByStatus: map[models.IssueStatus]int{
			models.IssueStatusPending:    0,
			models.IssueStatusInProgress: 0,
			models.IssueStatusDone:       0,
			models.IssueStatusRejected:   0,
		},
		Percent:      make(map[models.IssueStatus]float64, 4),
		TotalSurface: decimal.Zero,
		TotalBudget:  decimal.Zero,
		DelayByType:  []TypeDelay{},
	}
	s.Total = len(issues)

	names := make(map[string]string, len(types))
	for _, pt := range types {
		names[pt.ID] = pt.Name
	}

	var (
		progressSum, progressN int
		toStart, ofWork, total []float64
		byType                 = map[string][]float64{}
	)
	for _, i := range issues {
		s.ByStatus[i.Status]++

		if i.SurfaceArea != nil {
			s.TotalSurface = s.TotalSurface.Add(*i.SurfaceArea)
		}
		if v, src := budget.Display(i); src == budget.SourceUnpriced {
			s.Unpriced++
		} else {
			s.TotalBudget = s.TotalBudget.Add(*v)
		}

		if i.Status != models.IssueStatusRejected {
			progressSum += i.ProgressPercent
			progressN++
		}

		if i.WorkStartedAt != nil {
			toStart = append(toStart, days(i.CreatedAt, *i.WorkStartedAt))
		}
		if i.WorkStartedAt != nil && i.WorkFinishedAt != nil {
			ofWork = append(ofWork, days(*i.WorkStartedAt, *i.WorkFinishedAt))
		}
		if i.WorkFinishedAt != nil {
			d := days(i.CreatedAt, *i.WorkFinishedAt)
			total = append(total, d)
			byType[i.ProblemTypeID] = append(byType[i.ProblemTypeID], d)
		}
	}

	for status, n := range s.ByStatus {
		s.Percent[status] = percent(n, s.Total)
	}
	if progressN > 0 {
		s.MeanProgress = round1(float64(progressSum) / float64(progressN))
	}
	s.MeanDaysToStart = mean(toStart)
	s.MeanDaysOfWork = mean(ofWork)
	s.MeanDaysToFinish = mean(total)

	for id, delays := range byType {
		name := names[id]
		if name == "" {
			name = id
		}
		s.DelayByType = append(s.DelayByType, TypeDelay{
			ProblemTypeID: id,
			Name:          name,
			Count:         len(delays),
			MeanDays:      mean(delays),
		})
	}
	// Slowest first.
	slices.SortFunc(s.DelayByType, func(a, b TypeDelay) int {
		if c := cmp.Compare(b.MeanDays, a.MeanDays); c != 0 {
			return c
		}
		return cmp.Compare(a.ProblemTypeID, b.ProblemTypeID)
	})

	return s
}

// days returns the elapsed days between from and to, never negative.
func days(from, to time.Time) float64 {
	d := to.Sub(from).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return round1(sum / float64(len(values)))
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(n) * 100 / float64(total))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
