package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/budget"
	"github.com/joescharf/civtrack/internal/lifecycle"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/stats"
	"github.com/joescharf/civtrack/internal/store"
	"github.com/joescharf/civtrack/internal/syncer"
)

// Server wraps the civtrack engine and exposes it as MCP tools.
type Server struct {
	store   store.Store
	manager *lifecycle.Manager
	sync    *syncer.Orchestrator
	stats   *stats.Calculator
	version string
}

// NewServer creates the MCP server wrapper. orch may be nil when no remote
// store is configured; the sync tools then report an error.
func NewServer(s store.Store, orch *syncer.Orchestrator, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		store:   s,
		manager: lifecycle.NewManager(s),
		sync:    orch,
		stats:   stats.NewCalculator(),
		version: version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("civtrack", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.getIssueTool())
	srv.AddTool(s.transitionIssueTool())
	srv.AddTool(s.updateIssueTool())
	srv.AddTool(s.catalogTool())
	srv.AddTool(s.statsTool())
	srv.AddTool(s.syncPreviewTool())
	srv.AddTool(s.syncTool())
	srv.AddTool(s.pushIssueTool())
	srv.AddTool(s.syncRunsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders an engine error; retryable kinds are flagged for the caller.
func errorResult(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("failed to %s: %v", action, err)
	if apperr.IsRetryable(err) {
		msg += " (retryable)"
	}
	return mcp.NewToolResultError(msg)
}

func (s *Server) requireSync() *mcp.CallToolResult {
	if s.sync == nil {
		return mcp.NewToolResultError("remote store not configured (set remote.url or remote.driver)")
	}
	return nil
}

// findIssue resolves an issue by full id, remote key or unique id prefix.
func (s *Server) findIssue(ctx context.Context, ref string) (*models.Issue, error) {
	if issue, err := s.store.GetIssue(ctx, ref); err == nil {
		return issue, nil
	}
	if issue, err := s.store.FindByRemoteID(ctx, ref); err == nil {
		return issue, nil
	}

	issues, err := s.store.ListIssues(ctx, store.IssueListFilter{})
	if err != nil {
		return nil, err
	}
	var match *models.Issue
	upper := strings.ToUpper(ref)
	for _, issue := range issues {
		if strings.HasPrefix(issue.ID, upper) {
			if match != nil {
				return nil, apperr.Validation("issue_id", "ambiguous issue prefix %q", ref)
			}
			match = issue
		}
	}
	if match == nil {
		return nil, apperr.NotFound("issue", ref)
	}
	return match, nil
}

type issueOut struct {
	ID              string  `json:"id"`
	RemoteID        string  `json:"remote_id,omitempty"`
	Origin          string  `json:"origin"`
	ProblemType     string  `json:"problem_type"`
	Description     string  `json:"description,omitempty"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Status          string  `json:"status"`
	Progress        int     `json:"progress"`
	Severity        int     `json:"severity"`
	SurfaceArea     string  `json:"surface_area,omitempty"`
	Budget          string  `json:"budget,omitempty"`
	BudgetSource    string  `json:"budget_source"`
	Company         string  `json:"company,omitempty"`
	ManagerNotes    string  `json:"manager_notes,omitempty"`
	Photos          int     `json:"photos"`
	PendingPush     bool    `json:"pending_push"`
	CreatedAt       string  `json:"created_at"`
	LastModifiedAt  string  `json:"last_modified_at"`
	WorkStartedAt   string  `json:"work_started_at,omitempty"`
	WorkFinishedAt  string  `json:"work_finished_at,omitempty"`
	RemoteSyncedAt  string  `json:"remote_synced_at,omitempty"`
	Version         int64   `json:"version"`
}

func toIssueOut(issue *models.Issue) issueOut {
	amount, src := budget.Display(issue)
	out := issueOut{
		ID:              issue.ID,
		RemoteID:        issue.RemoteID,
		Origin:          string(issue.Origin),
		ProblemType:     issue.ProblemTypeID,
		Description:     issue.Description,
		Latitude:        issue.Location.Latitude,
		Longitude:       issue.Location.Longitude,
		Status:          string(issue.Status),
		Progress:        issue.ProgressPercent,
		Severity:        issue.SeverityLevel,
		BudgetSource:    string(src),
		Company:         issue.AssignedCompanyID,
		ManagerNotes:    issue.ManagerNotes,
		Photos:          len(issue.Photos),
		PendingPush:     issue.PushEligible(),
		CreatedAt:       issue.CreatedAt.Format(time.RFC3339),
		LastModifiedAt:  issue.LastModifiedAt.Format(time.RFC3339),
		Version:         issue.Version,
	}
	if issue.SurfaceArea != nil {
		out.SurfaceArea = issue.SurfaceArea.String()
	}
	if amount != nil {
		out.Budget = amount.StringFixed(2)
	}
	if issue.WorkStartedAt != nil {
		out.WorkStartedAt = issue.WorkStartedAt.Format(time.RFC3339)
	}
	if issue.WorkFinishedAt != nil {
		out.WorkFinishedAt = issue.WorkFinishedAt.Format(time.RFC3339)
	}
	if issue.RemoteSyncedAt != nil {
		out.RemoteSyncedAt = issue.RemoteSyncedAt.Format(time.RFC3339)
	}
	return out
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// civtrack_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_list_issues",
		mcp.WithDescription("List reported infrastructure issues, newest first. Returns a JSON array with id, status, progress, problem type, location, displayed budget (estimate overrides computed), assigned company and whether local changes are waiting to be pushed."),
		mcp.WithString("status", mcp.Description("Status filter: PENDING, IN_PROGRESS, DONE, REJECTED")),
		mcp.WithString("problem_type", mcp.Description("Problem type id filter")),
		mcp.WithString("company", mcp.Description("Assigned company id filter")),
		mcp.WithString("origin", mcp.Description("Origin filter: remote (mobile report) or local (manager-created)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of issues to return")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.IssueListFilter{
		ProblemTypeID: request.GetString("problem_type", ""),
		CompanyID:     request.GetString("company", ""),
		Origin:        models.IssueOrigin(request.GetString("origin", "")),
		Limit:         request.GetInt("limit", 0),
	}
	if status := request.GetString("status", ""); status != "" {
		filter.Status = models.IssueStatus(strings.ToUpper(status))
		if !filter.Status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
	}

	issues, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return errorResult("list issues", err), nil
	}

	out := make([]issueOut, len(issues))
	for i, issue := range issues {
		out[i] = toIssueOut(issue)
	}
	return jsonResult(out, "issues")
}

// civtrack_get_issue
func (s *Server) getIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_get_issue",
		mcp.WithDescription("Get one issue with its full transition history. Resolves by local id, unique id prefix or remote key."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, id prefix or remote key")),
	)
	return tool, s.handleGetIssue
}

func (s *Server) handleGetIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	issue, err := s.findIssue(ctx, ref)
	if err != nil {
		return errorResult("get issue", err), nil
	}
	history, err := s.manager.History(ctx, issue.ID)
	if err != nil {
		return errorResult("load history", err), nil
	}

	type transitionOut struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Progress int    `json:"progress"`
		Comment  string `json:"comment,omitempty"`
		At       string `json:"at"`
	}
	hist := make([]transitionOut, len(history))
	for i, h := range history {
		hist[i] = transitionOut{
			From:     string(h.FromStatus),
			To:       string(h.ToStatus),
			Progress: h.ToProgress,
			Comment:  h.Comment,
			At:       h.Timestamp.Format(time.RFC3339),
		}
	}
	return jsonResult(map[string]any{
		"issue":   toIssueOut(issue),
		"history": hist,
	}, "issue")
}

// civtrack_transition_issue
func (s *Server) transitionIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_transition_issue",
		mcp.WithDescription("Move an issue forward in its lifecycle. Allowed: PENDING to IN_PROGRESS, DONE or REJECTED; IN_PROGRESS to DONE or REJECTED. DONE and REJECTED are final. Progress follows the status (0, 50, 100). Alternatively pass progress 0, 50 or 100 instead of status."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, id prefix or remote key")),
		mcp.WithString("status", mcp.Description("Target status: IN_PROGRESS, DONE, REJECTED")),
		mcp.WithNumber("progress", mcp.Description("Target progress bucket: 0, 50 or 100")),
		mcp.WithString("comment", mcp.Description("Optional comment stored with the transition")),
	)
	return tool, s.handleTransitionIssue
}

func (s *Server) handleTransitionIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	var target models.IssueStatus
	if status := request.GetString("status", ""); status != "" {
		target = models.IssueStatus(strings.ToUpper(status))
	} else if _, ok := request.GetArguments()["progress"]; ok {
		p := request.GetInt("progress", -1)
		st, ok := lifecycle.StatusForProgress(p)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("progress must be 0, 50 or 100, got %d", p)), nil
		}
		target = st
	} else {
		return mcp.NewToolResultError("one of status or progress is required"), nil
	}

	issue, err := s.findIssue(ctx, ref)
	if err != nil {
		return errorResult("find issue", err), nil
	}
	updated, err := s.manager.Transition(ctx, issue.ID, target, request.GetString("comment", ""))
	if err != nil {
		return errorResult("transition issue", err), nil
	}
	return jsonResult(toIssueOut(updated), "issue")
}

// civtrack_update_issue
func (s *Server) updateIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_update_issue",
		mcp.WithDescription("Update manager-owned fields of an issue: surface area (m²), severity level (1-10), estimated budget, assigned company, notes. The computed budget is recalculated from the problem type's current cost. Decimal values are passed as strings. Pass \"none\" to clear surface_area or estimated_budget."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, id prefix or remote key")),
		mcp.WithString("surface_area", mcp.Description("Damaged surface in square metres")),
		mcp.WithNumber("severity_level", mcp.Description("Severity level 1-10")),
		mcp.WithString("estimated_budget", mcp.Description("Manager's budget estimate")),
		mcp.WithString("company", mcp.Description("Assigned company id (empty string unassigns)")),
		mcp.WithString("notes", mcp.Description("Manager notes")),
	)
	return tool, s.handleUpdateIssue
}

func parseDecimalArg(field, v string) (*decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return nil, apperr.Validation(field, "%s must be a decimal number, got %q", field, v)
	}
	return &d, nil
}

func (s *Server) handleUpdateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	args := request.GetArguments()

	var f lifecycle.ManagerFields
	updated := false

	if v := request.GetString("surface_area", ""); v != "" {
		updated = true
		if strings.EqualFold(v, "none") {
			f.ClearSurface = true
		} else if f.SurfaceArea, err = parseDecimalArg("surfaceArea", v); err != nil {
			return errorResult("update issue", err), nil
		}
	}
	if v := request.GetString("estimated_budget", ""); v != "" {
		updated = true
		if strings.EqualFold(v, "none") {
			f.ClearEstimate = true
		} else if f.EstimatedBudget, err = parseDecimalArg("estimatedBudget", v); err != nil {
			return errorResult("update issue", err), nil
		}
	}
	if _, ok := args["severity_level"]; ok {
		lvl := request.GetInt("severity_level", 0)
		f.SeverityLevel = &lvl
		updated = true
	}
	if _, ok := args["company"]; ok {
		c := request.GetString("company", "")
		f.AssignedCompanyID = &c
		updated = true
	}
	if _, ok := args["notes"]; ok {
		n := request.GetString("notes", "")
		f.ManagerNotes = &n
		updated = true
	}
	if !updated {
		return mcp.NewToolResultError("no fields to update: provide at least one of surface_area, severity_level, estimated_budget, company, notes"), nil
	}

	issue, err := s.findIssue(ctx, ref)
	if err != nil {
		return errorResult("find issue", err), nil
	}
	saved, err := s.manager.UpdateManagerFields(ctx, issue.ID, f)
	if err != nil {
		return errorResult("update issue", err), nil
	}
	return jsonResult(toIssueOut(saved), "issue")
}

// civtrack_catalog
func (s *Server) catalogTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_catalog",
		mcp.WithDescription("List the reference catalog: problem types with their cost per m² and the repair companies that can be assigned."),
	)
	return tool, s.handleCatalog
}

func (s *Server) handleCatalog(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	types, err := s.store.ListProblemTypes(ctx)
	if err != nil {
		return errorResult("list problem types", err), nil
	}
	companies, err := s.store.ListCompanies(ctx)
	if err != nil {
		return errorResult("list companies", err), nil
	}
	return jsonResult(map[string]any{
		"problem_types": types,
		"companies":     companies,
	}, "catalog")
}

// civtrack_stats
func (s *Server) statsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_stats",
		mcp.WithDescription("Summary statistics: counts per status, total surface and budget, mean progress, and mean delays (days to start, days of work, days to finish) overall and per problem type."),
	)
	return tool, s.handleStats
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issues, err := s.store.ListIssues(ctx, store.IssueListFilter{})
	if err != nil {
		return errorResult("list issues", err), nil
	}
	types, err := s.store.ListProblemTypes(ctx)
	if err != nil {
		return errorResult("list problem types", err), nil
	}
	return jsonResult(s.stats.Compute(issues, types), "stats")
}

// civtrack_sync_preview
func (s *Server) syncPreviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_sync_preview",
		mcp.WithDescription("Preview a sync without writing anything. side=remote lists the raw records in the remote store; side=pending lists local issues waiting to be pushed with the document that would be sent."),
		mcp.WithString("side", mcp.Description("remote or pending (default: pending)")),
	)
	return tool, s.handleSyncPreview
}

func (s *Server) handleSyncPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.requireSync(); res != nil {
		return res, nil
	}
	switch side := request.GetString("side", "pending"); side {
	case "remote":
		docs, err := s.sync.PreviewRemote(ctx)
		if err != nil {
			return errorResult("read remote store", err), nil
		}
		return jsonResult(docs, "documents")
	case "pending":
		items, err := s.sync.PreviewPush(ctx)
		if err != nil {
			return errorResult("list pending issues", err), nil
		}
		return jsonResult(items, "pending issues")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown side %q: use remote or pending", side)), nil
	}
}

// civtrack_sync
func (s *Server) syncTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_sync",
		mcp.WithDescription("Run a synchronization with the remote store. direction=pull imports new mobile reports and refreshes reporter-owned fields; direction=push publishes manager decisions; direction=full runs pull then push. Returns per-record counts and errors. Fails with SYNC_IN_PROGRESS if a run of the same kind is already active."),
		mcp.WithString("direction", mcp.Required(), mcp.Description("pull, push or full")),
	)
	return tool, s.handleSync
}

func (s *Server) handleSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	direction, err := request.RequireString("direction")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: direction"), nil
	}
	if res := s.requireSync(); res != nil {
		return res, nil
	}

	switch direction {
	case "pull":
		res, err := s.sync.Pull(ctx)
		if err != nil {
			return errorResult("pull", err), nil
		}
		return jsonResult(res, "pull result")
	case "push":
		res, err := s.sync.Push(ctx)
		if err != nil {
			return errorResult("push", err), nil
		}
		return jsonResult(res, "push result")
	case "full":
		res, err := s.sync.RunFull(ctx)
		if err != nil {
			return errorResult("run full sync", err), nil
		}
		return jsonResult(res, "sync result")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown direction %q: use pull, push or full", direction)), nil
	}
}

// civtrack_push_issue
func (s *Server) pushIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_push_issue",
		mcp.WithDescription("Publish a single issue to the remote store immediately, assigning a remote key first if it has none."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, id prefix or remote key")),
	)
	return tool, s.handlePushIssue
}

func (s *Server) handlePushIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	if res := s.requireSync(); res != nil {
		return res, nil
	}
	issue, err := s.findIssue(ctx, ref)
	if err != nil {
		return errorResult("find issue", err), nil
	}
	if err := s.sync.PushOne(ctx, issue.ID); err != nil {
		return errorResult("push issue", err), nil
	}
	pushed, err := s.store.GetIssue(ctx, issue.ID)
	if err != nil {
		return errorResult("reload issue", err), nil
	}
	return jsonResult(toIssueOut(pushed), "issue")
}

// civtrack_sync_runs
func (s *Server) syncRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("civtrack_sync_runs",
		mcp.WithDescription("List recent synchronization runs with their counts and errors, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 10)")),
	)
	return tool, s.handleSyncRuns
}

func (s *Server) handleSyncRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}
	runs, err := s.store.ListSyncRuns(ctx, limit)
	if err != nil {
		return errorResult("list sync runs", err), nil
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	return jsonResult(runs, "sync runs")
}
