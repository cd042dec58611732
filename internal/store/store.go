package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/models"
)

// ErrDuplicateRemoteID is returned by InsertIssue when another issue already
// owns the remote id. UpdateIssue wraps it in a VERSION_CONFLICT error.
var ErrDuplicateRemoteID = errors.New("duplicate remote id")

// IssueListFilter specifies filters for listing issues.
type IssueListFilter struct {
	Status        models.IssueStatus
	ProblemTypeID string
	CompanyID     string
	Origin        models.IssueOrigin
	Limit         int
}

// Store defines the persistence interface for civtrack.
type Store interface {
	// Issues
	InsertIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueListFilter) ([]*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue, expectedVersion int64) error
	ListEligibleForPush(ctx context.Context) ([]*models.Issue, error)
	MarkPushed(ctx context.Context, id string, expectedVersion int64, pushedAt time.Time) error

	// Transitions
	RecordTransition(ctx context.Context, issue *models.Issue, expectedVersion int64, rec *models.TransitionRecord) error
	AppendTransition(ctx context.Context, rec *models.TransitionRecord) error
	ListTransitions(ctx context.Context, issueID string) ([]*models.TransitionRecord, error)

	// Catalog
	ListProblemTypes(ctx context.Context) ([]*models.ProblemType, error)
	GetProblemType(ctx context.Context, id string) (*models.ProblemType, error)
	UpsertProblemType(ctx context.Context, pt *models.ProblemType) error
	SetProblemTypeCost(ctx context.Context, id string, cost decimal.Decimal) error
	ListCompanies(ctx context.Context) ([]*models.Company, error)
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	UpsertCompany(ctx context.Context, c *models.Company) error

	// Sync runs
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
