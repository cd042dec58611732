package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/joescharf/civtrack/internal/catalog"
	"github.com/joescharf/civtrack/internal/lifecycle"
	"github.com/joescharf/civtrack/internal/output"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage problem types and repair companies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return catalogListRun()
	},
}

var catalogListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List problem types and companies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return catalogListRun()
	},
}

var catalogSetCostCmd = &cobra.Command{
	Use:   "set-cost <problem-type> <cost-per-m2>",
	Short: "Change the cost per m² of a problem type",
	Long: `Change the cost per m² of a problem type.

Existing issues keep the price they were assessed with; the new cost applies
the next time an issue's manager fields are saved.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return catalogSetCostRun(args[0], args[1])
	},
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import problem types and companies from a TOML, YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return catalogImportRun(args[0])
	},
}

func init() {
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogSetCostCmd)
	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}

func catalogListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	types, err := s.ListProblemTypes(ctx)
	if err != nil {
		return err
	}
	companies, err := s.ListCompanies(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(ui.Out, output.Cyan("Problem types"))
	table := ui.Table([]string{"ID", "Name", "Icon", "Cost/m²"})
	for _, pt := range types {
		_ = table.Append([]string{pt.ID, pt.Name, pt.Icon, output.Money(&pt.CostPerUnitArea)})
	}
	_ = table.Render()

	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, output.Cyan("Companies"))
	if len(companies) == 0 {
		ui.Info("No companies.")
		return nil
	}
	table = ui.Table([]string{"ID", "Name", "Specialty"})
	for _, c := range companies {
		_ = table.Append([]string{c.ID, c.Name, c.Specialty})
	}
	_ = table.Render()
	return nil
}

func catalogSetCostRun(typeID, value string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cost, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid cost %q: %w", value, err)
	}

	if dryRun {
		ui.DryRunMsg("Would set cost of %s to %s", typeID, output.Money(&cost))
		return nil
	}

	if err := lifecycle.NewManager(s).SetProblemTypeCost(ctx, typeID, cost); err != nil {
		return err
	}
	ui.Success("Cost of %s set to %s per m²", output.Cyan(typeID), output.Money(&cost))
	return nil
}

func catalogImportRun(path string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	f, err := catalog.Load(path)
	if err != nil {
		return err
	}

	if dryRun {
		if _, err := f.Types(); err != nil {
			return err
		}
		ui.DryRunMsg("Would import %d problem types and %d companies from %s", len(f.ProblemTypes), len(f.Companies), path)
		return nil
	}

	res, err := catalog.Apply(ctx, s, f)
	if err != nil {
		return err
	}
	ui.Success("Imported %d problem types and %d companies", res.ProblemTypes, res.Companies)
	return nil
}
