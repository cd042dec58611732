package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/output"
	"github.com/joescharf/civtrack/internal/stats"
	"github.com/joescharf/civtrack/internal/store"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show processing statistics",
	Long: `Show processing statistics: issues per status, total surface and budget,
mean progress, and mean delays from report to start, start to finish and
report to finish, overall and per problem type.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statsRun()
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func statsRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issues, err := s.ListIssues(ctx, store.IssueListFilter{})
	if err != nil {
		return err
	}
	types, err := s.ListProblemTypes(ctx)
	if err != nil {
		return err
	}
	sum := stats.NewCalculator().Compute(issues, types)

	if statsJSON {
		return printJSON(sum)
	}

	if sum.Total == 0 {
		ui.Info("No issues recorded yet.")
		return nil
	}

	fmt.Fprintf(ui.Out, "Issues: %s\n\n", output.Cyan(fmt.Sprintf("%d", sum.Total)))

	table := ui.Table([]string{"Status", "Count", "Share"})
	for _, st := range []models.IssueStatus{
		models.IssueStatusPending,
		models.IssueStatusInProgress,
		models.IssueStatusDone,
		models.IssueStatusRejected,
	} {
		_ = table.Append([]string{
			output.StatusColor(string(st)),
			fmt.Sprintf("%d", sum.ByStatus[st]),
			fmt.Sprintf("%.1f%%", sum.Percent[st]),
		})
	}
	_ = table.Render()

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  Mean progress:     %.1f%%\n", sum.MeanProgress)
	fmt.Fprintf(ui.Out, "  Total surface:     %s m²\n", sum.TotalSurface.StringFixed(2))
	fmt.Fprintf(ui.Out, "  Total budget:      %s\n", output.Money(&sum.TotalBudget))
	if sum.Unpriced > 0 {
		fmt.Fprintf(ui.Out, "  Unpriced issues:   %s\n", output.Yellow(fmt.Sprintf("%d", sum.Unpriced)))
	}
	fmt.Fprintf(ui.Out, "  Days to start:     %.1f\n", sum.MeanDaysToStart)
	fmt.Fprintf(ui.Out, "  Days of work:      %.1f\n", sum.MeanDaysOfWork)
	fmt.Fprintf(ui.Out, "  Days to finish:    %.1f\n", sum.MeanDaysToFinish)

	if len(sum.DelayByType) > 0 {
		fmt.Fprintln(ui.Out)
		table = ui.Table([]string{"Problem type", "Finished", "Mean days"})
		for _, d := range sum.DelayByType {
			_ = table.Append([]string{d.Name, fmt.Sprintf("%d", d.Count), fmt.Sprintf("%.1f", d.MeanDays)})
		}
		_ = table.Render()
	}
	return nil
}
