package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newIssue(remoteID string) *models.Issue {
	now := time.Now().UTC()
	surface := decimal.RequireFromString("12.5")
	return &models.Issue{
		RemoteID:        remoteID,
		Origin:          models.IssueOriginRemote,
		Location:        models.Location{Latitude: -18.91, Longitude: 47.52},
		ProblemTypeID:   "route",
		Description:     "nid de poule",
		Photos:          []string{"https://example.com/a.jpg"},
		SurfaceArea:     &surface,
		SeverityLevel:   1,
		CostPerUnitArea: decimal.NewFromInt(28750),
		Status:          models.IssueStatusPending,
		CreatedAt:       now,
		LastModifiedAt:  now,
		RemoteSyncedAt:  &now,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

func TestMigrate_SeedsCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	types, err := s.ListProblemTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 8)

	route, err := s.GetProblemType(ctx, "route")
	require.NoError(t, err)
	assert.True(t, route.CostPerUnitArea.Equal(decimal.NewFromInt(28750)))

	companies, err := s.ListCompanies(ctx)
	require.NoError(t, err)
	assert.Len(t, companies, 6)
}

// --- Issues ---

func TestIssueInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newIssue("-Nremote1")
	require.NoError(t, s.InsertIssue(ctx, issue))
	assert.NotEmpty(t, issue.ID)
	assert.Equal(t, int64(1), issue.Version)

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "-Nremote1", got.RemoteID)
	assert.Equal(t, models.IssueOriginRemote, got.Origin)
	assert.Equal(t, []string{"https://example.com/a.jpg"}, got.Photos)
	assert.Equal(t, "12.5", got.SurfaceArea.String())
	assert.Nil(t, got.EstimatedBudget)
	assert.True(t, got.LastModifiedAt.Equal(issue.LastModifiedAt))
	require.NotNil(t, got.RemoteSyncedAt)

	byRemote, err := s.FindByRemoteID(ctx, "-Nremote1")
	require.NoError(t, err)
	assert.Equal(t, issue.ID, byRemote.ID)
}

func TestGetIssue_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetIssue(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = s.FindByRemoteID(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestInsertIssue_DuplicateRemoteID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIssue(ctx, newIssue("-Ndup")))
	err := s.InsertIssue(ctx, newIssue("-Ndup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateRemoteID)
}

func TestUpdateIssue_DuplicateRemoteIDConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIssue(ctx, newIssue("-Ndup")))
	other := newIssue("")
	require.NoError(t, s.InsertIssue(ctx, other))

	claimed, err := s.GetIssue(ctx, other.ID)
	require.NoError(t, err)
	claimed.RemoteID = "-Ndup"
	err = s.UpdateIssue(ctx, claimed, claimed.Version)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindVersionConflict))
	assert.Equal(t, "remoteId", apperr.FieldOf(err))
	assert.ErrorIs(t, err, ErrDuplicateRemoteID)

	unchanged, err := s.GetIssue(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, unchanged.RemoteID)
	assert.Equal(t, claimed.Version, unchanged.Version)
}

func TestInsertIssue_MultipleWithoutRemoteID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newIssue("")
	a.Origin = models.IssueOriginLocal
	b := newIssue("")
	b.Origin = models.IssueOriginLocal
	require.NoError(t, s.InsertIssue(ctx, a))
	require.NoError(t, s.InsertIssue(ctx, b))
}

func TestUpdateIssue_VersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newIssue("-Nv")
	require.NoError(t, s.InsertIssue(ctx, issue))

	issue.ManagerNotes = "first"
	require.NoError(t, s.UpdateIssue(ctx, issue, 1))
	assert.Equal(t, int64(2), issue.Version)

	stale := issue.Clone()
	stale.ManagerNotes = "stale"
	err := s.UpdateIssue(ctx, stale, 1)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindVersionConflict))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.ManagerNotes)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateIssue_NotFound(t *testing.T) {
	s := newTestStore(t)
	issue := newIssue("")
	issue.ID = "missing"
	err := s.UpdateIssue(context.Background(), issue, 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListEligibleForPush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	synced := newIssue("-Nsynced")
	require.NoError(t, s.InsertIssue(ctx, synced))

	never := newIssue("")
	never.Origin = models.IssueOriginLocal
	never.RemoteSyncedAt = nil
	require.NoError(t, s.InsertIssue(ctx, never))

	modified := newIssue("-Nmodified")
	past := modified.LastModifiedAt.Add(-time.Minute)
	modified.RemoteSyncedAt = &past
	require.NoError(t, s.InsertIssue(ctx, modified))

	eligible, err := s.ListEligibleForPush(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(eligible))
	for _, i := range eligible {
		ids = append(ids, i.ID)
	}
	assert.ElementsMatch(t, []string{never.ID, modified.ID}, ids)
}

func TestMarkPushed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newIssue("")
	issue.RemoteSyncedAt = nil
	require.NoError(t, s.InsertIssue(ctx, issue))

	pushedAt := issue.LastModifiedAt.Add(time.Second)
	require.NoError(t, s.MarkPushed(ctx, issue.ID, 1, pushedAt))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteSyncedAt)
	assert.True(t, got.RemoteSyncedAt.Equal(pushedAt))
	assert.True(t, got.LastModifiedAt.Equal(issue.LastModifiedAt), "marking pushed must not touch lastModifiedAt")
	assert.False(t, got.PushEligible())

	err = s.MarkPushed(ctx, issue.ID, 1, pushedAt)
	assert.True(t, apperr.Is(err, apperr.KindVersionConflict))
}

func TestListIssues_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newIssue("-Na")
	b := newIssue("-Nb")
	b.Status = models.IssueStatusInProgress
	b.ProgressPercent = 50
	b.ProblemTypeID = "eau"
	b.AssignedCompanyID = "colas"
	require.NoError(t, s.InsertIssue(ctx, a))
	require.NoError(t, s.InsertIssue(ctx, b))

	all, err := s.ListIssues(ctx, IssueListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inProgress, err := s.ListIssues(ctx, IssueListFilter{Status: models.IssueStatusInProgress})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, b.ID, inProgress[0].ID)

	byType, err := s.ListIssues(ctx, IssueListFilter{ProblemTypeID: "route"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, a.ID, byType[0].ID)

	byCompany, err := s.ListIssues(ctx, IssueListFilter{CompanyID: "colas"})
	require.NoError(t, err)
	assert.Len(t, byCompany, 1)

	limited, err := s.ListIssues(ctx, IssueListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Transitions ---

func TestRecordTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newIssue("-Nt")
	require.NoError(t, s.InsertIssue(ctx, issue))

	issue.Status = models.IssueStatusInProgress
	issue.ProgressPercent = 50
	rec := &models.TransitionRecord{
		IssueID:      issue.ID,
		FromStatus:   models.IssueStatusPending,
		ToStatus:     models.IssueStatusInProgress,
		FromProgress: 0,
		ToProgress:   50,
		Comment:      "crew dispatched",
	}
	require.NoError(t, s.RecordTransition(ctx, issue, 1, rec))
	assert.Equal(t, int64(2), issue.Version)

	history, err := s.ListTransitions(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.IssueStatusInProgress, history[0].ToStatus)
	assert.Equal(t, "crew dispatched", history[0].Comment)
}

func TestRecordTransition_ConflictAppendsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newIssue("-Nc")
	require.NoError(t, s.InsertIssue(ctx, issue))

	rec := &models.TransitionRecord{IssueID: issue.ID, FromStatus: models.IssueStatusPending, ToStatus: models.IssueStatusDone, ToProgress: 100}
	issue.Status = models.IssueStatusDone
	err := s.RecordTransition(ctx, issue, 7, rec)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindVersionConflict))
	assert.Equal(t, int64(7), issue.Version)

	history, err := s.ListTransitions(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestListTransitions_Chronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newIssue("-Nh")
	require.NoError(t, s.InsertIssue(ctx, issue))

	base := time.Now().UTC()
	second := &models.TransitionRecord{IssueID: issue.ID, FromStatus: models.IssueStatusInProgress, ToStatus: models.IssueStatusDone, Timestamp: base.Add(time.Hour)}
	first := &models.TransitionRecord{IssueID: issue.ID, FromStatus: models.IssueStatusPending, ToStatus: models.IssueStatusInProgress, Timestamp: base}
	require.NoError(t, s.AppendTransition(ctx, second))
	require.NoError(t, s.AppendTransition(ctx, first))

	history, err := s.ListTransitions(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
}

// --- Catalog ---

func TestSetProblemTypeCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetProblemTypeCost(ctx, "eau", decimal.NewFromInt(40000)))
	pt, err := s.GetProblemType(ctx, "eau")
	require.NoError(t, err)
	assert.Equal(t, "40000", pt.CostPerUnitArea.String())

	err = s.SetProblemTypeCost(ctx, "nope", decimal.NewFromInt(1))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestUpsertCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProblemType(ctx, &models.ProblemType{ID: "pont", Name: "Pont", CostPerUnitArea: decimal.NewFromInt(90000)}))
	require.NoError(t, s.UpsertProblemType(ctx, &models.ProblemType{ID: "pont", Name: "Pont endommagé", CostPerUnitArea: decimal.NewFromInt(95000)}))
	pt, err := s.GetProblemType(ctx, "pont")
	require.NoError(t, err)
	assert.Equal(t, "Pont endommagé", pt.Name)
	assert.Equal(t, "95000", pt.CostPerUnitArea.String())

	require.NoError(t, s.UpsertCompany(ctx, &models.Company{ID: "acme", Name: "ACME"}))
	c, err := s.GetCompany(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ACME", c.Name)

	_, err = s.GetCompany(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

// --- Sync runs ---

func TestSyncRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.RecordSyncRun(ctx, &models.SyncRun{Kind: models.SyncKindPull, StartedAt: base, FinishedAt: base, Imported: 3}))
	require.NoError(t, s.RecordSyncRun(ctx, &models.SyncRun{Kind: models.SyncKindPush, StartedAt: base.Add(time.Second), FinishedAt: base.Add(2 * time.Second), Sent: 2, ErrorCount: 1, Error: "partial"}))

	runs, err := s.ListSyncRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.SyncKindPush, runs[0].Kind)
	assert.Equal(t, 2, runs[0].Sent)
	assert.Equal(t, "partial", runs[0].Error)
	assert.Equal(t, 3, runs[1].Imported)
}
