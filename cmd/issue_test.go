package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/civtrack/internal/lifecycle"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/store"
)

// captureOutput redirects the shared UI to a buffer for the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf
	return &buf
}

func seedLocalIssue(t *testing.T, desc string) *models.Issue {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)
	issue, err := lifecycle.NewManager(s).CreateLocal(context.Background(), lifecycle.NewIssue{
		Location:      models.Location{Latitude: 48.8566, Longitude: 2.3522},
		ProblemTypeID: "route",
		Description:   desc,
	})
	require.NoError(t, err)
	return issue
}

func reload(t *testing.T, id string) *models.Issue {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)
	issue, err := s.GetIssue(context.Background(), id)
	require.NoError(t, err)
	return issue
}

func TestIssueAddRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	issueLat, issueLng = 48.85, 2.35
	issueType = "route"
	issueDesc = "pothole near the school"
	issueSeverity, issueNotes = 0, ""
	t.Cleanup(func() { issueType, issueDesc = "", "" })

	require.NoError(t, issueAddRun(&cobra.Command{}))
	assert.Contains(t, buf.String(), "Created issue")

	s, err := getStore()
	require.NoError(t, err)
	issues, err := s.ListIssues(context.Background(), store.IssueListFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueOriginLocal, issues[0].Origin)
	assert.Equal(t, models.IssueStatusPending, issues[0].Status)
	assert.Equal(t, "pothole near the school", issues[0].Description)
}

func TestIssueAddRun_UnknownType(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	issueLat, issueLng = 48.85, 2.35
	issueType = "volcano"
	t.Cleanup(func() { issueType = "" })

	err := issueAddRun(&cobra.Command{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volcano")
}

func TestIssueListRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	require.NoError(t, issueListRun())
	assert.Contains(t, buf.String(), "No issues found.")

	issue := seedLocalIssue(t, "crack")
	buf.Reset()
	require.NoError(t, issueListRun())
	assert.Contains(t, buf.String(), shortID(issue.ID))
	assert.Contains(t, buf.String(), "route")

	issueStatus = "bogus"
	t.Cleanup(func() { issueStatus = "" })
	err := issueListRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestIssueShowRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	issue := seedLocalIssue(t, "broken curb")

	require.NoError(t, issueShowRun(shortID(issue.ID)))
	out := buf.String()
	assert.Contains(t, out, issue.ID)
	assert.Contains(t, out, "broken curb")
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "Next:       IN_PROGRESS, DONE, REJECTED")

	require.NoError(t, issueTransitionRun(&cobra.Command{}, issue.ID, "rejected"))
	buf.Reset()
	require.NoError(t, issueShowRun(issue.ID))
	assert.Contains(t, buf.String(), "none (terminal)")
}

func TestIssueUpdateRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	issue := seedLocalIssue(t, "")

	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&issueSurface, "surface", "", "")
	cmd.Flags().IntVar(&issueSeverity, "severity", 0, "")
	cmd.Flags().StringVar(&issueNotes, "notes", "", "")
	require.NoError(t, cmd.Flags().Set("surface", "12.5"))
	require.NoError(t, cmd.Flags().Set("severity", "7"))
	require.NoError(t, cmd.Flags().Set("notes", "send crew A"))

	require.NoError(t, issueUpdateRun(cmd, issue.ID))
	assert.Contains(t, buf.String(), "Updated issue")

	saved := reload(t, issue.ID)
	require.NotNil(t, saved.SurfaceArea)
	assert.True(t, saved.SurfaceArea.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 7, saved.SeverityLevel)
	assert.Equal(t, "send crew A", saved.ManagerNotes)
}

func TestIssueUpdateRun_Errors(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	issue := seedLocalIssue(t, "")

	t.Run("no flags", func(t *testing.T) {
		err := issueUpdateRun(&cobra.Command{}, issue.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no updates specified")
	})

	t.Run("bad decimal", func(t *testing.T) {
		cmd := &cobra.Command{}
		cmd.Flags().StringVar(&issueEstimate, "estimate", "", "")
		require.NoError(t, cmd.Flags().Set("estimate", "lots"))

		err := issueUpdateRun(cmd, issue.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "estimatedBudget")
	})

	t.Run("unknown issue", func(t *testing.T) {
		cmd := &cobra.Command{}
		cmd.Flags().StringVar(&issueNotes, "notes", "", "")
		require.NoError(t, cmd.Flags().Set("notes", "x"))

		err := issueUpdateRun(cmd, "ZZZZZZZZ")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "issue not found")
	})
}

func TestIssueTransitionRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	issue := seedLocalIssue(t, "")
	issueComment = "crew dispatched"
	t.Cleanup(func() { issueComment = "" })

	require.NoError(t, issueTransitionRun(&cobra.Command{}, issue.ID, "in_progress"))
	assert.Contains(t, buf.String(), "IN_PROGRESS")
	saved := reload(t, issue.ID)
	assert.Equal(t, models.IssueStatusInProgress, saved.Status)
	assert.Equal(t, 50, saved.ProgressPercent)

	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&issueProgress, "progress", 0, "")
	require.NoError(t, cmd.Flags().Set("progress", "100"))
	require.NoError(t, issueTransitionRun(cmd, issue.ID, ""))
	saved = reload(t, issue.ID)
	assert.Equal(t, models.IssueStatusDone, saved.Status)
	assert.Equal(t, 100, saved.ProgressPercent)

	buf.Reset()
	require.NoError(t, issueHistoryRun(issue.ID))
	assert.Contains(t, buf.String(), "crew dispatched")
}

func TestIssueTransitionRun_Errors(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	issue := seedLocalIssue(t, "")

	err := issueTransitionRun(&cobra.Command{}, issue.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "specify a target status")
	assert.Contains(t, err.Error(), "next: IN_PROGRESS, DONE, REJECTED")

	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&issueProgress, "progress", 0, "")
	require.NoError(t, cmd.Flags().Set("progress", "30"))
	err = issueTransitionRun(cmd, issue.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0, 50 or 100")

	require.NoError(t, issueTransitionRun(&cobra.Command{}, issue.ID, "done"))
	err = issueTransitionRun(&cobra.Command{}, issue.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot move further")
}

func TestIssueHistoryRun_Empty(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	issue := seedLocalIssue(t, "")
	require.NoError(t, issueHistoryRun(issue.ID))
	assert.Contains(t, buf.String(), "No transitions recorded")
}

func TestIssuePhotoAddRun(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	issue := seedLocalIssue(t, "")
	require.NoError(t, issuePhotoAddRun(issue.ID, "https://img.example.org/1.jpg"))

	saved := reload(t, issue.ID)
	assert.Equal(t, []string{"https://img.example.org/1.jpg"}, saved.Photos)

	err := issuePhotoGetRun(issue.ID, "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestFindIssue(t *testing.T) {
	testEnv(t)
	captureOutput(t)
	ctx := context.Background()

	a := seedLocalIssue(t, "a")
	b := seedLocalIssue(t, "b")
	s, err := getStore()
	require.NoError(t, err)

	got, err := findIssue(ctx, s, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = findIssue(ctx, s, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	// Both ULIDs were minted in the same test run and share a time prefix.
	_, err = findIssue(ctx, s, a.ID[:4])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = findIssue(ctx, s, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue not found")
}

func TestParseDecimalFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		cleared bool
		wantErr bool
	}{
		{in: "12.50", want: "12.5"},
		{in: " 3 ", want: "3"},
		{in: "none", cleared: true},
		{in: "NONE", cleared: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, cleared, err := parseDecimalFlag("surfaceArea", tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cleared, cleared)
			if tt.cleared {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.True(t, d.Equal(decimal.RequireFromString(tt.want)))
		})
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "01ARZ3NDEKTS", shortID("01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	assert.Equal(t, "short", shortID("short"))
}

func TestSyncPushRun_MemoryDriver(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)
	viper.Set("remote.driver", "memory")

	issue := seedLocalIssue(t, "fresh report")

	require.NoError(t, syncPushRun())
	assert.Contains(t, buf.String(), "Sent 1")

	saved := reload(t, issue.ID)
	assert.NotEmpty(t, saved.RemoteID)
	assert.NotNil(t, saved.RemoteSyncedAt)

	buf.Reset()
	require.NoError(t, syncStatusRun())
	assert.Contains(t, buf.String(), "Pending pushes: 0")
	assert.Contains(t, buf.String(), "push")
}

func TestSyncRunRun_JSON(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)
	viper.Set("remote.driver", "memory")
	syncJSON = true
	t.Cleanup(func() { syncJSON = false })

	seedLocalIssue(t, "")

	require.NoError(t, syncRunRun())

	var res map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.Contains(t, res, "push")
}

func TestSyncPullRun_NotConfigured(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	err := syncPullRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestCatalogSetCostRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	require.NoError(t, catalogSetCostRun("route", "30000"))
	assert.Contains(t, buf.String(), "route")

	s, err := getStore()
	require.NoError(t, err)
	pt, err := s.GetProblemType(context.Background(), "route")
	require.NoError(t, err)
	assert.True(t, pt.CostPerUnitArea.Equal(decimal.NewFromInt(30000)))

	err = catalogSetCostRun("route", "cheap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cost")
}

func TestCatalogListRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	require.NoError(t, catalogListRun())
	out := buf.String()
	assert.Contains(t, out, "Problem types")
	assert.Contains(t, out, "route")
	assert.Contains(t, out, "colas")
}

func TestStatsRun(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	require.NoError(t, statsRun())
	assert.Contains(t, buf.String(), "No issues recorded yet.")

	seedLocalIssue(t, "")
	buf.Reset()
	require.NoError(t, statsRun())
	assert.Contains(t, buf.String(), "Issues:")
	assert.Contains(t, buf.String(), "PENDING")
}
