package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/budget"
	"github.com/joescharf/civtrack/internal/lifecycle"
	"github.com/joescharf/civtrack/internal/mapper"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/output"
	"github.com/joescharf/civtrack/internal/remote"
	"github.com/joescharf/civtrack/internal/store"
)

var (
	issueStatus   string
	issueType     string
	issueCompany  string
	issueOrigin   string
	issueLimit    int
	issueLat      float64
	issueLng      float64
	issueDesc     string
	issueSurface  string
	issueSeverity int
	issueEstimate string
	issueNotes    string
	issueComment  string
	issueProgress int
	issueOutput   string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Manage reported issues",
	Long:  "List, price, assign and progress reported infrastructure issues.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun()
	},
}

var issueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun()
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show issue details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueShowRun(args[0])
	},
}

var issueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an issue on the manager side",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueAddRun(cmd)
	},
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <issue-id>",
	Short: "Update manager fields (surface, severity, estimate, company, notes)",
	Long: `Update the manager-owned fields of an issue. The computed budget is
recalculated from the problem type's current cost per m².

Pass "none" to --surface or --estimate to clear the value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueUpdateRun(cmd, args[0])
	},
}

var issueTransitionCmd = &cobra.Command{
	Use:   "transition <issue-id> [status]",
	Short: "Move an issue forward: IN_PROGRESS, DONE or REJECTED",
	Long: `Move an issue forward in its lifecycle.

Allowed: PENDING -> IN_PROGRESS, DONE, REJECTED; IN_PROGRESS -> DONE, REJECTED.
DONE and REJECTED are final. Use --progress 0|50|100 instead of a status to
select the matching state.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target string
		if len(args) > 1 {
			target = args[1]
		}
		return issueTransitionRun(cmd, args[0], target)
	},
}

var issueHistoryCmd = &cobra.Command{
	Use:   "history <issue-id>",
	Short: "Show the transition history of an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueHistoryRun(args[0])
	},
}

var issuePhotoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Attach or fetch issue photos",
}

var issuePhotoAddCmd = &cobra.Command{
	Use:   "add <issue-id> <url-or-data-uri>",
	Short: "Attach a photo reference to a local issue before its first sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuePhotoAddRun(args[0], args[1])
	},
}

var issuePhotoGetCmd = &cobra.Command{
	Use:   "get <issue-id> <index>",
	Short: "Fetch a photo and write it to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuePhotoGetRun(args[0], args[1])
	},
}

func init() {
	issueListCmd.Flags().StringVar(&issueStatus, "status", "", "Filter by status: PENDING, IN_PROGRESS, DONE, REJECTED")
	issueListCmd.Flags().StringVar(&issueType, "type", "", "Filter by problem type id")
	issueListCmd.Flags().StringVar(&issueCompany, "company", "", "Filter by assigned company id")
	issueListCmd.Flags().StringVar(&issueOrigin, "origin", "", "Filter by origin: remote, local")
	issueListCmd.Flags().IntVar(&issueLimit, "limit", 0, "Maximum number of issues")

	issueAddCmd.Flags().Float64Var(&issueLat, "lat", 0, "Latitude (required)")
	issueAddCmd.Flags().Float64Var(&issueLng, "lng", 0, "Longitude (required)")
	issueAddCmd.Flags().StringVar(&issueType, "type", "", "Problem type id (required)")
	issueAddCmd.Flags().StringVar(&issueDesc, "desc", "", "Description")
	issueAddCmd.Flags().StringVar(&issueSurface, "surface", "", "Surface in m²")
	issueAddCmd.Flags().IntVar(&issueSeverity, "severity", 0, "Severity level 1-10 (default 1)")
	issueAddCmd.Flags().StringVar(&issueEstimate, "estimate", "", "Budget estimate")
	issueAddCmd.Flags().StringVar(&issueNotes, "notes", "", "Manager notes")
	_ = issueAddCmd.MarkFlagRequired("lat")
	_ = issueAddCmd.MarkFlagRequired("lng")
	_ = issueAddCmd.MarkFlagRequired("type")

	issueUpdateCmd.Flags().StringVar(&issueSurface, "surface", "", "Surface in m² (none clears)")
	issueUpdateCmd.Flags().IntVar(&issueSeverity, "severity", 0, "Severity level 1-10")
	issueUpdateCmd.Flags().StringVar(&issueEstimate, "estimate", "", "Budget estimate (none clears)")
	issueUpdateCmd.Flags().StringVar(&issueCompany, "company", "", "Assigned company id (empty unassigns)")
	issueUpdateCmd.Flags().StringVar(&issueNotes, "notes", "", "Manager notes")

	issueTransitionCmd.Flags().StringVarP(&issueComment, "comment", "m", "", "Comment stored with the transition")
	issueTransitionCmd.Flags().IntVar(&issueProgress, "progress", 0, "Target progress bucket: 0, 50 or 100")

	issuePhotoGetCmd.Flags().StringVarP(&issueOutput, "output", "o", "", "Output file (default: <issue>-<index>.<ext>)")

	issuePhotoCmd.AddCommand(issuePhotoAddCmd)
	issuePhotoCmd.AddCommand(issuePhotoGetCmd)

	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueShowCmd)
	issueCmd.AddCommand(issueAddCmd)
	issueCmd.AddCommand(issueUpdateCmd)
	issueCmd.AddCommand(issueTransitionCmd)
	issueCmd.AddCommand(issueHistoryCmd)
	issueCmd.AddCommand(issuePhotoCmd)
	rootCmd.AddCommand(issueCmd)
}

func issueListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.IssueListFilter{
		Status:        models.IssueStatus(strings.ToUpper(issueStatus)),
		ProblemTypeID: issueType,
		CompanyID:     issueCompany,
		Origin:        models.IssueOrigin(issueOrigin),
		Limit:         issueLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q (use PENDING, IN_PROGRESS, DONE or REJECTED)", issueStatus)
	}

	issues, err := s.ListIssues(ctx, filter)
	if err != nil {
		return err
	}

	if len(issues) == 0 {
		ui.Info("No issues found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Type", "Status", "Progress", "Severity", "Budget", "Company", "Sync"})
	for _, issue := range issues {
		amount, _ := budget.Display(issue)
		_ = table.Append([]string{
			shortID(issue.ID),
			issue.ProblemTypeID,
			output.StatusColor(string(issue.Status)),
			progressText(issue),
			fmt.Sprintf("%d", issue.SeverityLevel),
			output.Money(amount),
			issue.AssignedCompanyID,
			syncText(issue),
		})
	}
	_ = table.Render()
	return nil
}

func progressText(issue *models.Issue) string {
	if issue.Status == models.IssueStatusRejected {
		return "-"
	}
	return output.ProgressColor(issue.ProgressPercent)
}

// nextText lists the statuses an issue can move to next.
func nextText(status models.IssueStatus) string {
	if status.Terminal() {
		return "none (terminal)"
	}
	targets := lifecycle.Targets(status)
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func syncText(issue *models.Issue) string {
	switch {
	case issue.RemoteSyncedAt == nil:
		return output.Yellow("new")
	case issue.PushEligible():
		return output.Yellow("pending")
	default:
		return output.Green("synced")
	}
}

func issueShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	typeName := issue.ProblemTypeID
	if pt, err := s.GetProblemType(ctx, issue.ProblemTypeID); err == nil {
		typeName = fmt.Sprintf("%s (%s)", pt.Name, pt.ID)
	}
	amount, src := budget.Display(issue)

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(issue.ID)), typeName)
	fmt.Fprintf(ui.Out, "  Status:     %s (%s)\n", output.StatusColor(string(issue.Status)), mapper.StatusLabel(issue.Status))
	fmt.Fprintf(ui.Out, "  Progress:   %s\n", progressText(issue))
	fmt.Fprintf(ui.Out, "  Next:       %s\n", nextText(issue.Status))
	fmt.Fprintf(ui.Out, "  Origin:     %s\n", issue.Origin)
	if issue.RemoteID != "" {
		fmt.Fprintf(ui.Out, "  Remote:     %s\n", issue.RemoteID)
	}
	fmt.Fprintf(ui.Out, "  Location:   %.6f, %.6f\n", issue.Location.Latitude, issue.Location.Longitude)
	if issue.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", issue.Description)
	}
	fmt.Fprintf(ui.Out, "  Severity:   %d\n", issue.SeverityLevel)
	if issue.SurfaceArea != nil {
		fmt.Fprintf(ui.Out, "  Surface:    %s m²\n", issue.SurfaceArea.String())
	}
	fmt.Fprintf(ui.Out, "  Cost/m²:    %s\n", output.Money(&issue.CostPerUnitArea))
	fmt.Fprintf(ui.Out, "  Budget:     %s (%s)\n", output.Money(amount), src)
	if issue.AssignedCompanyID != "" {
		company := issue.AssignedCompanyID
		if c, err := s.GetCompany(ctx, issue.AssignedCompanyID); err == nil {
			company = c.Name
		}
		fmt.Fprintf(ui.Out, "  Company:    %s\n", company)
	}
	if issue.ManagerNotes != "" {
		fmt.Fprintf(ui.Out, "  Notes:      %s\n", issue.ManagerNotes)
	}
	if len(issue.Photos) > 0 {
		fmt.Fprintf(ui.Out, "  Photos:     %d\n", len(issue.Photos))
	}
	if issue.ReporterEmail != "" {
		fmt.Fprintf(ui.Out, "  Reporter:   %s\n", issue.ReporterEmail)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", issue.CreatedAt.Format(time.RFC3339))
	if issue.WorkStartedAt != nil {
		fmt.Fprintf(ui.Out, "  Started:    %s\n", issue.WorkStartedAt.Format(time.RFC3339))
	}
	if issue.WorkFinishedAt != nil {
		fmt.Fprintf(ui.Out, "  Finished:   %s\n", issue.WorkFinishedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Modified:   %s\n", issue.LastModifiedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Sync:       %s\n", syncText(issue))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", issue.ID)

	return nil
}

// parseDecimalFlag parses a decimal flag value; "none" means clear.
func parseDecimalFlag(field, v string) (d *decimal.Decimal, cleared bool, err error) {
	if strings.EqualFold(v, "none") {
		return nil, true, nil
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return nil, false, apperr.Validation(field, "%s must be a decimal number, got %q", field, v)
	}
	return &parsed, false, nil
}

func issueAddRun(cmd *cobra.Command) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	n := lifecycle.NewIssue{
		Location:      models.Location{Latitude: issueLat, Longitude: issueLng},
		ProblemTypeID: issueType,
		Description:   issueDesc,
		SeverityLevel: issueSeverity,
		ManagerNotes:  issueNotes,
	}
	if cmd.Flags().Changed("surface") {
		if n.SurfaceArea, _, err = parseDecimalFlag("surfaceArea", issueSurface); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("estimate") {
		if n.EstimatedBudget, _, err = parseDecimalFlag("estimatedBudget", issueEstimate); err != nil {
			return err
		}
	}

	if dryRun {
		ui.DryRunMsg("Would create %s issue at %.5f, %.5f", issueType, issueLat, issueLng)
		return nil
	}

	issue, err := lifecycle.NewManager(s).CreateLocal(ctx, n)
	if err != nil {
		return err
	}

	ui.Success("Created issue %s (%s)", output.Cyan(shortID(issue.ID)), issue.ProblemTypeID)
	return nil
}

func issueUpdateRun(cmd *cobra.Command, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	var f lifecycle.ManagerFields
	changed := false
	flags := cmd.Flags()
	if flags.Changed("surface") {
		if f.SurfaceArea, f.ClearSurface, err = parseDecimalFlag("surfaceArea", issueSurface); err != nil {
			return err
		}
		changed = true
	}
	if flags.Changed("estimate") {
		if f.EstimatedBudget, f.ClearEstimate, err = parseDecimalFlag("estimatedBudget", issueEstimate); err != nil {
			return err
		}
		changed = true
	}
	if flags.Changed("severity") {
		f.SeverityLevel = &issueSeverity
		changed = true
	}
	if flags.Changed("company") {
		f.AssignedCompanyID = &issueCompany
		changed = true
	}
	if flags.Changed("notes") {
		f.ManagerNotes = &issueNotes
		changed = true
	}

	if !changed {
		return fmt.Errorf("no updates specified (use --surface, --severity, --estimate, --company, or --notes)")
	}

	if dryRun {
		ui.DryRunMsg("Would update issue %s", shortID(issue.ID))
		return nil
	}

	saved, err := lifecycle.NewManager(s).UpdateManagerFields(ctx, issue.ID, f)
	if err != nil {
		return err
	}

	amount, src := budget.Display(saved)
	ui.Success("Updated issue %s, budget %s (%s)", output.Cyan(shortID(saved.ID)), output.Money(amount), src)
	return nil
}

func issueTransitionRun(cmd *cobra.Command, id, target string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	var status models.IssueStatus
	switch {
	case target != "":
		status = models.IssueStatus(strings.ToUpper(target))
	case cmd.Flags().Changed("progress"):
		st, ok := lifecycle.StatusForProgress(issueProgress)
		if !ok {
			return fmt.Errorf("progress must be 0, 50 or 100, got %d", issueProgress)
		}
		status = st
	case issue.Status.Terminal():
		return fmt.Errorf("issue %s is %s and cannot move further", shortID(issue.ID), issue.Status)
	default:
		return fmt.Errorf("specify a target status or --progress (next: %s)", nextText(issue.Status))
	}

	if dryRun {
		ui.DryRunMsg("Would move issue %s from %s to %s", shortID(issue.ID), issue.Status, status)
		return nil
	}

	updated, err := lifecycle.NewManager(s).Transition(ctx, issue.ID, status, issueComment)
	if err != nil {
		return err
	}
	if updated.Status == issue.Status {
		ui.Info("Issue %s is already %s", output.Cyan(shortID(updated.ID)), output.StatusColor(string(updated.Status)))
		return nil
	}

	ui.Success("Issue %s: %s -> %s", output.Cyan(shortID(updated.ID)),
		output.StatusColor(string(issue.Status)), output.StatusColor(string(updated.Status)))
	return nil
}

func issueHistoryRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}
	history, err := lifecycle.NewManager(s).History(ctx, issue.ID)
	if err != nil {
		return err
	}

	if len(history) == 0 {
		ui.Info("No transitions recorded for %s.", shortID(issue.ID))
		return nil
	}

	table := ui.Table([]string{"When", "From", "To", "Progress", "Comment"})
	for _, h := range history {
		_ = table.Append([]string{
			h.Timestamp.Local().Format("2006-01-02 15:04"),
			output.StatusColor(string(h.FromStatus)),
			output.StatusColor(string(h.ToStatus)),
			fmt.Sprintf("%d%% -> %d%%", h.FromProgress, h.ToProgress),
			h.Comment,
		})
	}
	_ = table.Render()
	return nil
}

func issuePhotoAddRun(id, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would attach photo to issue %s", shortID(issue.ID))
		return nil
	}

	updated, err := lifecycle.NewManager(s).AttachPhoto(ctx, issue.ID, ref)
	if err != nil {
		return err
	}
	ui.Success("Attached photo %d to issue %s", len(updated.Photos), output.Cyan(shortID(updated.ID)))
	return nil
}

func issuePhotoGetRun(id, index string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}
	var n int
	if _, err := fmt.Sscanf(index, "%d", &n); err != nil || n < 0 || n >= len(issue.Photos) {
		return fmt.Errorf("issue %s has %d photos, index %q is out of range", shortID(issue.ID), len(issue.Photos), index)
	}

	data, contentType, err := remote.NewPhotoResolver(viper.GetDuration("remote.timeout")).Resolve(ctx, issue.Photos[n])
	if err != nil {
		return err
	}

	path := issueOutput
	if path == "" {
		path = fmt.Sprintf("%s-%d%s", shortID(issue.ID), n, extensionFor(contentType))
	}
	if dryRun {
		ui.DryRunMsg("Would write %d bytes to %s", len(data), path)
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write photo: %w", err)
	}
	ui.Success("Wrote %s (%d bytes, %s)", path, len(data), contentType)
	return nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// findIssue finds an issue by full ID, remote key or ID prefix.
func findIssue(ctx context.Context, s store.Store, id string) (*models.Issue, error) {
	// Try exact match first
	if issue, err := s.GetIssue(ctx, id); err == nil {
		return issue, nil
	}
	if issue, err := s.FindByRemoteID(ctx, id); err == nil {
		return issue, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	issues, err := s.ListIssues(ctx, store.IssueListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.Issue
	for _, issue := range issues {
		if strings.HasPrefix(issue.ID, upper) {
			matches = append(matches, issue)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("issue not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous issue ID %s: matches %d issues", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
