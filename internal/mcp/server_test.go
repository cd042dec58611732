package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/civtrack/internal/lifecycle"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/remote"
	"github.com/joescharf/civtrack/internal/store"
	"github.com/joescharf/civtrack/internal/syncer"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore, *remote.MemoryStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	rs := remote.NewMemoryStore()
	orch := syncer.New(s, rs, syncer.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return NewServer(s, orch, "test"), s, rs
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// seedIssue creates a manager-side issue through the lifecycle manager.
func seedIssue(t *testing.T, s store.Store, typeID string) *models.Issue {
	t.Helper()
	issue, err := lifecycle.NewManager(s).CreateLocal(context.Background(), lifecycle.NewIssue{
		Location:      models.Location{Latitude: -18.91, Longitude: 47.52},
		ProblemTypeID: typeID,
		Description:   "nid de poule",
	})
	require.NoError(t, err)
	return issue
}

// ---------------------------------------------------------------------------
// Tests: MCPServer registration
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
	assert.Equal(t, "test", srv.version)

	assert.Equal(t, "dev", NewServer(nil, nil, "").version)
}

// ---------------------------------------------------------------------------
// Tests: civtrack_list_issues
// ---------------------------------------------------------------------------

func TestHandleListIssues_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListIssues(context.Background(), callToolReq("civtrack_list_issues", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleListIssues_Filters(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()

	seedIssue(t, s, "route")
	seedIssue(t, s, "eau")

	result, err := srv.handleListIssues(ctx, callToolReq("civtrack_list_issues", map[string]any{"problem_type": "eau"}))
	require.NoError(t, err)
	var out []issueOut
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "eau", out[0].ProblemType)
	assert.Equal(t, "local", out[0].Origin)
	assert.True(t, out[0].PendingPush)

	result, err = srv.handleListIssues(ctx, callToolReq("civtrack_list_issues", map[string]any{"status": "pending", "limit": 1}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	assert.Len(t, out, 1)
}

func TestHandleListIssues_InvalidStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListIssues(context.Background(), callToolReq("civtrack_list_issues", map[string]any{"status": "archived"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown status")
}

// ---------------------------------------------------------------------------
// Tests: civtrack_get_issue
// ---------------------------------------------------------------------------

func TestHandleGetIssue_ByPrefix(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "route")

	_, err := srv.manager.Transition(ctx, issue.ID, models.IssueStatusInProgress, "équipe envoyée")
	require.NoError(t, err)

	prefix := strings.ToLower(issue.ID[:20])
	result, err := srv.handleGetIssue(ctx, callToolReq("civtrack_get_issue", map[string]any{"issue_id": prefix}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		Issue   issueOut `json:"issue"`
		History []struct {
			From    string `json:"from"`
			To      string `json:"to"`
			Comment string `json:"comment"`
		} `json:"history"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, issue.ID, out.Issue.ID)
	assert.Equal(t, "IN_PROGRESS", out.Issue.Status)
	require.Len(t, out.History, 1)
	assert.Equal(t, "PENDING", out.History[0].From)
	assert.Equal(t, "équipe envoyée", out.History[0].Comment)
}

func TestHandleGetIssue_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleGetIssue(context.Background(), callToolReq("civtrack_get_issue", map[string]any{"issue_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "NOT_FOUND")
}

func TestHandleGetIssue_MissingParam(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleGetIssue(context.Background(), callToolReq("civtrack_get_issue", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "issue_id")
}

// ---------------------------------------------------------------------------
// Tests: civtrack_transition_issue
// ---------------------------------------------------------------------------

func TestHandleTransitionIssue(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "route")

	result, err := srv.handleTransitionIssue(ctx, callToolReq("civtrack_transition_issue", map[string]any{
		"issue_id": issue.ID,
		"progress": 50,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var out issueOut
	resultJSON(t, result, &out)
	assert.Equal(t, "IN_PROGRESS", out.Status)
	assert.Equal(t, 50, out.Progress)
	assert.NotEmpty(t, out.WorkStartedAt)

	result, err = srv.handleTransitionIssue(ctx, callToolReq("civtrack_transition_issue", map[string]any{
		"issue_id": issue.ID,
		"status":   "done",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	assert.Equal(t, "DONE", out.Status)
	assert.Equal(t, 100, out.Progress)

	result, err = srv.handleTransitionIssue(ctx, callToolReq("civtrack_transition_issue", map[string]any{
		"issue_id": issue.ID,
		"status":   "PENDING",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "INVALID_TRANSITION")
}

func TestHandleTransitionIssue_BadArguments(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "route")

	result, err := srv.handleTransitionIssue(ctx, callToolReq("civtrack_transition_issue", map[string]any{"issue_id": issue.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleTransitionIssue(ctx, callToolReq("civtrack_transition_issue", map[string]any{
		"issue_id": issue.ID,
		"progress": 75,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "0, 50 or 100")
}

// ---------------------------------------------------------------------------
// Tests: civtrack_update_issue
// ---------------------------------------------------------------------------

func TestHandleUpdateIssue(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "route")

	result, err := srv.handleUpdateIssue(ctx, callToolReq("civtrack_update_issue", map[string]any{
		"issue_id":       issue.ID,
		"surface_area":   "25",
		"severity_level": 4,
		"company":        "colas",
		"notes":          "priorité haute",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out issueOut
	resultJSON(t, result, &out)
	assert.Equal(t, "25", out.SurfaceArea)
	assert.Equal(t, 4, out.Severity)
	assert.Equal(t, "colas", out.Company)
	assert.Equal(t, "computed", out.BudgetSource)
	assert.NotEmpty(t, out.Budget)

	result, err = srv.handleUpdateIssue(ctx, callToolReq("civtrack_update_issue", map[string]any{
		"issue_id":         issue.ID,
		"estimated_budget": "1000000",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	assert.Equal(t, "estimated", out.BudgetSource)
	assert.Equal(t, "1000000.00", out.Budget)

	result, err = srv.handleUpdateIssue(ctx, callToolReq("civtrack_update_issue", map[string]any{
		"issue_id":         issue.ID,
		"estimated_budget": "none",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	assert.Equal(t, "computed", out.BudgetSource)
}

func TestHandleUpdateIssue_Errors(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "route")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"no fields", map[string]any{"issue_id": issue.ID}, "no fields to update"},
		{"severity out of range", map[string]any{"issue_id": issue.ID, "severity_level": 11}, "VALIDATION_ERROR"},
		{"bad decimal", map[string]any{"issue_id": issue.ID, "surface_area": "large"}, "VALIDATION_ERROR"},
		{"unknown company", map[string]any{"issue_id": issue.ID, "company": "nobody"}, "assignedCompanyId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handleUpdateIssue(ctx, callToolReq("civtrack_update_issue", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}

	stored, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, issue.Version, stored.Version)
}

// ---------------------------------------------------------------------------
// Tests: catalog and stats
// ---------------------------------------------------------------------------

func TestHandleCatalog(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleCatalog(context.Background(), callToolReq("civtrack_catalog", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		ProblemTypes []models.ProblemType `json:"problem_types"`
		Companies    []models.Company     `json:"companies"`
	}
	resultJSON(t, result, &out)
	assert.NotEmpty(t, out.ProblemTypes)
	assert.NotEmpty(t, out.Companies)
}

func TestHandleStats(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedIssue(t, s, "route")
	seedIssue(t, s, "eau")

	result, err := srv.handleStats(context.Background(), callToolReq("civtrack_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	resultJSON(t, result, &out)
	assert.EqualValues(t, 2, out["total"])
}

// ---------------------------------------------------------------------------
// Tests: sync tools
// ---------------------------------------------------------------------------

func TestHandleSync_PullThenPush(t *testing.T) {
	srv, s, rs := newTestServer(t)
	ctx := context.Background()
	rs.Put("-Nb1", map[string]any{
		"latitude": -18.9, "longitude": 47.5, "problemeId": "route",
		"description": "chaussée effondrée", "status": "nouveau",
	})

	result, err := srv.handleSyncPreview(ctx, callToolReq("civtrack_sync_preview", map[string]any{"side": "remote"}))
	require.NoError(t, err)
	var docs []remote.Document
	resultJSON(t, result, &docs)
	require.Len(t, docs, 1)

	result, err = srv.handleSync(ctx, callToolReq("civtrack_sync", map[string]any{"direction": "pull"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var pull syncer.PullResult
	resultJSON(t, result, &pull)
	assert.Equal(t, 1, pull.Imported)

	imported, err := s.FindByRemoteID(ctx, "-Nb1")
	require.NoError(t, err)
	_, err = srv.manager.Transition(ctx, imported.ID, models.IssueStatusDone, "")
	require.NoError(t, err)

	result, err = srv.handleSyncPreview(ctx, callToolReq("civtrack_sync_preview", nil))
	require.NoError(t, err)
	var pending []syncer.PreviewItem
	resultJSON(t, result, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "-Nb1", pending[0].RemoteID)

	result, err = srv.handleSync(ctx, callToolReq("civtrack_sync", map[string]any{"direction": "full"}))
	require.NoError(t, err)
	var full syncer.FullResult
	resultJSON(t, result, &full)
	require.NotNil(t, full.Push)
	assert.Equal(t, 1, full.Push.Sent)

	result, err = srv.handleSyncRuns(ctx, callToolReq("civtrack_sync_runs", map[string]any{"limit": 5}))
	require.NoError(t, err)
	var runs []models.SyncRun
	resultJSON(t, result, &runs)
	assert.Len(t, runs, 2)
}

func TestHandleSync_UnknownDirection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleSync(context.Background(), callToolReq("civtrack_sync", map[string]any{"direction": "sideways"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSync_RemoteUnavailable(t *testing.T) {
	srv, _, rs := newTestServer(t)
	rs.FailList = errors.New("offline")

	result, err := srv.handleSync(context.Background(), callToolReq("civtrack_sync", map[string]any{"direction": "pull"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "REMOTE_UNAVAILABLE")
	assert.Contains(t, text, "retryable")
}

func TestHandleSync_NotConfigured(t *testing.T) {
	_, s, _ := newTestServer(t)
	srv := NewServer(s, nil, "test")

	result, err := srv.handleSync(context.Background(), callToolReq("civtrack_sync", map[string]any{"direction": "push"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not configured")

	result, err = srv.handleSyncRuns(context.Background(), callToolReq("civtrack_sync_runs", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandlePushIssue(t *testing.T) {
	srv, s, rs := newTestServer(t)
	issue := seedIssue(t, s, "eau")

	result, err := srv.handlePushIssue(context.Background(), callToolReq("civtrack_push_issue", map[string]any{"issue_id": issue.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out issueOut
	resultJSON(t, result, &out)
	assert.NotEmpty(t, out.RemoteID)
	assert.NotEmpty(t, out.RemoteSyncedAt)
	assert.False(t, out.PendingPush)
	assert.Equal(t, 1, rs.Len())
}
