package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/civtrack/internal/output"
	"github.com/joescharf/civtrack/internal/syncer"
)

var (
	syncPreviewRemote bool
	syncStatusLimit   int
	syncJSON          bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize issues with the remote store",
	Long: `Synchronize issues between the mobile-facing remote store and the local
store of record.

Running bare 'civtrack sync' is the same as 'civtrack sync run'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRunRun()
	},
}

var syncPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show what a push would send (or the raw remote records with --remote)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncPreviewRun()
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Import new reports and refresh reporter-owned fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncPullRun()
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish manager decisions to the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncPushRun()
	},
}

var syncPushOneCmd = &cobra.Command{
	Use:   "push-one <issue-id>",
	Short: "Publish a single issue immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncPushOneRun(args[0])
	},
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Pull then push",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRunRun()
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync runs and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncStatusRun()
	},
}

func init() {
	syncPreviewCmd.Flags().BoolVar(&syncPreviewRemote, "remote", false, "List raw remote records instead of pending pushes")
	syncStatusCmd.Flags().IntVar(&syncStatusLimit, "limit", 10, "Number of runs to show")
	syncCmd.PersistentFlags().BoolVar(&syncJSON, "json", false, "Print results as JSON")

	syncCmd.AddCommand(syncPreviewCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPushOneCmd)
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Fprintln(ui.Out, string(data))
	return nil
}

func printRecordErrors(errs []syncer.RecordError) {
	if len(errs) == 0 {
		return
	}
	table := ui.Table([]string{"Issue", "Remote", "Kind", "Field", "Reason"})
	for _, e := range errs {
		_ = table.Append([]string{
			shortID(e.IssueID),
			e.RemoteID,
			output.Red(string(e.Kind)),
			e.Field,
			e.Reason,
		})
	}
	_ = table.Render()
}

func printPullResult(res *syncer.PullResult) {
	ui.Info("Remote records: %d", res.TotalRemote)
	ui.Success("Imported %d, updated %d, unchanged %d, skipped %d",
		res.Imported, res.Updated, res.Unchanged, res.Skipped)
	printRecordErrors(res.Errors)
}

func printPushResult(res *syncer.PushResult) {
	ui.Info("Pending issues: %d", res.TotalEligible)
	ui.Success("Sent %d (%d created, %d updated)", res.Sent, res.Created, res.Updated)
	printRecordErrors(res.Errors)
}

func syncPreviewRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	orch, err := requireOrchestrator(s)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if syncPreviewRemote {
		docs, err := orch.PreviewRemote(ctx)
		if err != nil {
			return err
		}
		if syncJSON {
			return printJSON(docs)
		}
		if len(docs) == 0 {
			ui.Info("Remote store is empty.")
			return nil
		}
		table := ui.Table([]string{"Key", "Status", "Problem", "Description"})
		for _, d := range docs {
			status, _ := d.Fields["status"].(string)
			problem, _ := d.Fields["problemeId"].(string)
			desc, _ := d.Fields["description"].(string)
			_ = table.Append([]string{d.Key, status, problem, truncate(desc, 50)})
		}
		_ = table.Render()
		return nil
	}

	items, err := orch.PreviewPush(ctx)
	if err != nil {
		return err
	}
	if syncJSON {
		return printJSON(items)
	}
	if len(items) == 0 {
		ui.Info("Nothing to push.")
		return nil
	}
	table := ui.Table([]string{"ID", "Remote", "Action", "Status", "Progress"})
	for _, it := range items {
		action := "update"
		if it.Create {
			action = output.Green("create")
		}
		remoteID := it.RemoteID
		if remoteID == "" {
			remoteID = "(new)"
		}
		status, _ := it.Document["status"].(string)
		progress := "-"
		if p, ok := it.Document["progress"]; ok {
			progress = fmt.Sprintf("%v%%", p)
		}
		_ = table.Append([]string{shortID(it.IssueID), remoteID, action, status, progress})
	}
	_ = table.Render()
	return nil
}

func syncPullRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	orch, err := requireOrchestrator(s)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		docs, err := orch.PreviewRemote(ctx)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would reconcile %d remote records", len(docs))
		return nil
	}

	res, err := orch.Pull(ctx)
	if err != nil {
		return err
	}
	if syncJSON {
		return printJSON(res)
	}
	printPullResult(res)
	return nil
}

func syncPushRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	orch, err := requireOrchestrator(s)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		items, err := orch.PreviewPush(ctx)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would push %d issues", len(items))
		return nil
	}

	res, err := orch.Push(ctx)
	if err != nil {
		return err
	}
	if syncJSON {
		return printJSON(res)
	}
	printPushResult(res)
	return nil
}

func syncPushOneRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	orch, err := requireOrchestrator(s)
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would push issue %s", shortID(issue.ID))
		return nil
	}

	if err := orch.PushOne(ctx, issue.ID); err != nil {
		return err
	}
	pushed, err := s.GetIssue(ctx, issue.ID)
	if err != nil {
		return err
	}
	ui.Success("Pushed issue %s as %s", output.Cyan(shortID(pushed.ID)), pushed.RemoteID)
	return nil
}

func syncRunRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	orch, err := requireOrchestrator(s)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would pull then push")
		return nil
	}

	res, err := orch.RunFull(context.Background())
	if syncJSON && res != nil {
		if jerr := printJSON(res); jerr != nil {
			return jerr
		}
		return err
	}
	if res != nil {
		if res.PullError != "" {
			ui.Warning("Pull failed: %s", res.PullError)
		}
		if res.Pull != nil {
			printPullResult(res.Pull)
		}
		if res.Push != nil {
			printPushResult(res.Push)
		}
	}
	return err
}

func syncStatusRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if remoteConfigured() {
		ui.Info("Remote: %s", remoteLabel())
	} else {
		ui.Warning("Remote: not configured (set remote.url)")
	}

	pending, err := s.ListEligibleForPush(ctx)
	if err != nil {
		return err
	}
	ui.Info("Pending pushes: %d", len(pending))

	runs, err := s.ListSyncRuns(ctx, syncStatusLimit)
	if err != nil {
		return err
	}
	if syncJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		ui.Info("No sync runs recorded.")
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Started", "Kind", "Duration", "Imported", "Updated", "Skipped", "Sent", "Errors"})
	for _, r := range runs {
		errCol := fmt.Sprintf("%d", r.ErrorCount)
		if r.Error != "" {
			errCol = output.Red(truncate(r.Error, 40))
		} else if r.ErrorCount > 0 {
			errCol = output.Yellow(errCol)
		}
		_ = table.Append([]string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(r.Kind),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			fmt.Sprintf("%d", r.Imported),
			fmt.Sprintf("%d", r.Updated),
			fmt.Sprintf("%d", r.Skipped),
			fmt.Sprintf("%d", r.Sent),
			errCol,
		})
	}
	_ = table.Render()
	return nil
}

func remoteLabel() string {
	if viper.GetString("remote.driver") == "memory" {
		return "memory"
	}
	return viper.GetString("remote.url") + "/" + viper.GetString("remote.collection")
}

// truncate shortens s to n runes, appending an ellipsis when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
