package lifecycle

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/budget"
	"github.com/joescharf/civtrack/internal/models"
)

// IssueStore is the subset of store.Store needed for manager edits.
type IssueStore interface {
	InsertIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue, expectedVersion int64) error
	RecordTransition(ctx context.Context, issue *models.Issue, expectedVersion int64, rec *models.TransitionRecord) error
	ListTransitions(ctx context.Context, issueID string) ([]*models.TransitionRecord, error)
	GetProblemType(ctx context.Context, id string) (*models.ProblemType, error)
	SetProblemTypeCost(ctx context.Context, id string, cost decimal.Decimal) error
	GetCompany(ctx context.Context, id string) (*models.Company, error)
}

// DefaultMaxAttempts bounds reload-and-retry on version conflicts.
const DefaultMaxAttempts = 3

// Manager applies manager-initiated edits under optimistic concurrency.
type Manager struct {
	store       IssueStore
	now         func() time.Time
	maxAttempts int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxAttempts sets the conflict retry bound.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// NewManager creates a Manager over s.
func NewManager(s IssueStore, opts ...Option) *Manager {
	m := &Manager{store: s, now: time.Now, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ManagerFields holds the optional manager-entered values of an update.
// A nil pointer leaves the field unchanged. ClearSurface and ClearEstimate
// null the respective value.
type ManagerFields struct {
	SurfaceArea       *decimal.Decimal `json:"surfaceArea,omitempty"`
	ClearSurface      bool             `json:"clearSurface,omitempty"`
	SeverityLevel     *int             `json:"severityLevel,omitempty"`
	EstimatedBudget   *decimal.Decimal `json:"estimatedBudget,omitempty"`
	ClearEstimate     bool             `json:"clearEstimate,omitempty"`
	AssignedCompanyID *string          `json:"assignedCompanyId,omitempty"`
	ManagerNotes      *string          `json:"managerNotes,omitempty"`
}

// NewIssue describes a manager-created issue.
type NewIssue struct {
	Location        models.Location  `json:"location"`
	ProblemTypeID   string           `json:"problemTypeId"`
	Description     string           `json:"description,omitempty"`
	Photos          []string         `json:"photos,omitempty"`
	SurfaceArea     *decimal.Decimal `json:"surfaceArea,omitempty"`
	SeverityLevel   int              `json:"severityLevel,omitempty"`
	EstimatedBudget *decimal.Decimal `json:"estimatedBudget,omitempty"`
	ManagerNotes    string           `json:"managerNotes,omitempty"`
}

// retry runs fn until it succeeds, fails with something other than a
// version conflict, or the attempt bound is reached.
func (m *Manager) retry(fn func() error) error {
	var err error
	for range m.maxAttempts {
		err = fn()
		if !apperr.Is(err, apperr.KindVersionConflict) {
			return err
		}
	}
	return err
}

// Transition moves an issue to target, appending exactly one history entry.
// Requesting the current status succeeds without writing anything.
func (m *Manager) Transition(ctx context.Context, id string, target models.IssueStatus, comment string) (*models.Issue, error) {
	if !target.Valid() {
		return nil, apperr.Validation("status", "unknown status %q", target)
	}

	var result *models.Issue
	err := m.retry(func() error {
		issue, err := m.store.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		if issue.Status == target {
			result = issue
			return nil
		}
		if !CanTransition(issue.Status, target) {
			return apperr.InvalidTransition(id, string(issue.Status), string(target))
		}

		expected := issue.Version
		rec := apply(issue, target, strings.TrimSpace(comment), m.now())
		if err := m.store.RecordTransition(ctx, issue, expected, rec); err != nil {
			return err
		}
		result = issue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) validateFields(ctx context.Context, f ManagerFields) error {
	if f.SeverityLevel != nil {
		if err := budget.ValidateSeverity(*f.SeverityLevel); err != nil {
			return err
		}
	}
	if err := budget.ValidateAmount("surfaceArea", f.SurfaceArea); err != nil {
		return err
	}
	if err := budget.ValidateAmount("estimatedBudget", f.EstimatedBudget); err != nil {
		return err
	}
	if f.AssignedCompanyID != nil && *f.AssignedCompanyID != "" {
		if _, err := m.store.GetCompany(ctx, *f.AssignedCompanyID); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				return apperr.Validation("assignedCompanyId", "unknown company %q", *f.AssignedCompanyID)
			}
			return err
		}
	}
	return nil
}

// UpdateManagerFields validates and applies manager-entered values. Saving
// copies the problem type's current price and recomputes the budget.
func (m *Manager) UpdateManagerFields(ctx context.Context, id string, f ManagerFields) (*models.Issue, error) {
	if err := m.validateFields(ctx, f); err != nil {
		return nil, err
	}

	var result *models.Issue
	err := m.retry(func() error {
		issue, err := m.store.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		expected := issue.Version

		switch {
		case f.ClearSurface:
			issue.SurfaceArea = nil
		case f.SurfaceArea != nil:
			v := *f.SurfaceArea
			issue.SurfaceArea = &v
		}
		if f.SeverityLevel != nil {
			issue.SeverityLevel = *f.SeverityLevel
		}
		switch {
		case f.ClearEstimate:
			issue.EstimatedBudget = nil
		case f.EstimatedBudget != nil:
			v := *f.EstimatedBudget
			issue.EstimatedBudget = &v
		}
		if f.AssignedCompanyID != nil {
			issue.AssignedCompanyID = *f.AssignedCompanyID
		}
		if f.ManagerNotes != nil {
			issue.ManagerNotes = *f.ManagerNotes
		}

		pt, err := m.store.GetProblemType(ctx, issue.ProblemTypeID)
		if err != nil {
			return err
		}
		issue.CostPerUnitArea = pt.CostPerUnitArea
		if err := budget.Recompute(issue); err != nil {
			return err
		}

		touch(issue, m.now())
		if err := m.store.UpdateIssue(ctx, issue, expected); err != nil {
			return err
		}
		result = issue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// History returns the transition records of an issue, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]*models.TransitionRecord, error) {
	if _, err := m.store.GetIssue(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(ctx, id)
}

// CreateLocal records an issue entered directly by a manager.
func (m *Manager) CreateLocal(ctx context.Context, n NewIssue) (*models.Issue, error) {
	if !n.Location.Valid() {
		return nil, apperr.Validation("location", "coordinates out of range: %v,%v", n.Location.Latitude, n.Location.Longitude)
	}
	severity := n.SeverityLevel
	if severity == 0 {
		severity = budget.DefaultSeverity
	}
	if err := budget.ValidateSeverity(severity); err != nil {
		return nil, err
	}
	if err := budget.ValidateAmount("surfaceArea", n.SurfaceArea); err != nil {
		return nil, err
	}
	if err := budget.ValidateAmount("estimatedBudget", n.EstimatedBudget); err != nil {
		return nil, err
	}
	pt, err := m.store.GetProblemType(ctx, n.ProblemTypeID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Validation("problemTypeId", "unknown problem type %q", n.ProblemTypeID)
		}
		return nil, err
	}

	now := m.now().UTC()
	issue := &models.Issue{
		Origin:          models.IssueOriginLocal,
		Location:        n.Location,
		ProblemTypeID:   pt.ID,
		Description:     strings.TrimSpace(n.Description),
		Photos:          slices.Clone(n.Photos),
		SurfaceArea:     n.SurfaceArea,
		SeverityLevel:   severity,
		CostPerUnitArea: pt.CostPerUnitArea,
		EstimatedBudget: n.EstimatedBudget,
		ManagerNotes:    n.ManagerNotes,
		Status:          models.IssueStatusPending,
		ProgressPercent: 0,
		CreatedAt:       now,
		LastModifiedAt:  now,
	}
	if err := budget.Recompute(issue); err != nil {
		return nil, err
	}
	if err := m.store.InsertIssue(ctx, issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// AttachPhoto appends a photo reference to a local issue that has never been
// published. Photos are immutable afterwards.
func (m *Manager) AttachPhoto(ctx context.Context, id, ref string) (*models.Issue, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Validation("photos", "empty photo reference")
	}

	var result *models.Issue
	err := m.retry(func() error {
		issue, err := m.store.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		if issue.Origin != models.IssueOriginLocal || issue.RemoteSyncedAt != nil {
			return apperr.Validation("photos", "photos are immutable once the issue has been synchronized")
		}
		expected := issue.Version
		issue.Photos = append(issue.Photos, ref)
		touch(issue, m.now())
		if err := m.store.UpdateIssue(ctx, issue, expected); err != nil {
			return err
		}
		result = issue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetProblemTypeCost changes the catalog price. Existing issues keep their
// copied price until re-saved.
func (m *Manager) SetProblemTypeCost(ctx context.Context, typeID string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return apperr.Validation("costPerUnitArea", "cost per m² must not be negative, got %s", cost.String())
	}
	return m.store.SetProblemTypeCost(ctx, typeID, cost)
}
