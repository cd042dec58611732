package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// IssueStatus represents the repair progress state of an issue.
type IssueStatus string

const (
	IssueStatusPending    IssueStatus = "PENDING"
	IssueStatusInProgress IssueStatus = "IN_PROGRESS"
	IssueStatusDone       IssueStatus = "DONE"
	IssueStatusRejected   IssueStatus = "REJECTED"
)

// Valid reports whether s is one of the known statuses.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueStatusPending, IssueStatusInProgress, IssueStatusDone, IssueStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s IssueStatus) Terminal() bool {
	return s == IssueStatusDone || s == IssueStatusRejected
}

// IssueOrigin records which side created an issue.
type IssueOrigin string

const (
	IssueOriginRemote IssueOrigin = "remote"
	IssueOriginLocal  IssueOrigin = "local"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// Issue is the canonical record of a reported infrastructure problem.
type Issue struct {
	ID                string           `json:"id"`
	RemoteID          string           `json:"remoteId,omitempty"`
	Origin            IssueOrigin      `json:"origin"`
	Location          Location         `json:"location"`
	ProblemTypeID     string           `json:"problemTypeId"`
	Description       string           `json:"description,omitempty"`
	Photos            []string         `json:"photos,omitempty"`
	SurfaceArea       *decimal.Decimal `json:"surfaceArea,omitempty"`
	SeverityLevel     int              `json:"severityLevel"`
	CostPerUnitArea   decimal.Decimal  `json:"costPerUnitArea"`
	EstimatedBudget   *decimal.Decimal `json:"estimatedBudget,omitempty"`
	ComputedBudget    *decimal.Decimal `json:"computedBudget,omitempty"`
	AssignedCompanyID string           `json:"assignedCompanyId,omitempty"`
	ManagerNotes      string           `json:"managerNotes,omitempty"`
	Status            IssueStatus      `json:"status"`
	ProgressPercent   int              `json:"progressPercent"`
	ReporterID        string           `json:"reporterId,omitempty"`
	ReporterEmail     string           `json:"reporterEmail,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	WorkStartedAt     *time.Time       `json:"workStartedAt,omitempty"`
	WorkFinishedAt    *time.Time       `json:"workFinishedAt,omitempty"`
	LastModifiedAt    time.Time        `json:"lastModifiedAt"`
	RemoteSyncedAt    *time.Time       `json:"remoteSyncedAt,omitempty"`
	Version           int64            `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the original.
func (i *Issue) Clone() *Issue {
	c := *i
	if i.Photos != nil {
		c.Photos = append([]string(nil), i.Photos...)
	}
	c.SurfaceArea = cloneDecimal(i.SurfaceArea)
	c.EstimatedBudget = cloneDecimal(i.EstimatedBudget)
	c.ComputedBudget = cloneDecimal(i.ComputedBudget)
	c.WorkStartedAt = cloneTime(i.WorkStartedAt)
	c.WorkFinishedAt = cloneTime(i.WorkFinishedAt)
	c.RemoteSyncedAt = cloneTime(i.RemoteSyncedAt)
	return &c
}

// PushEligible reports whether the issue has changes the remote has not seen.
func (i *Issue) PushEligible() bool {
	return i.RemoteSyncedAt == nil || i.LastModifiedAt.After(*i.RemoteSyncedAt)
}

// InSync reports whether the last local write was already published.
func (i *Issue) InSync() bool {
	return i.RemoteSyncedAt != nil && !i.LastModifiedAt.After(*i.RemoteSyncedAt)
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
