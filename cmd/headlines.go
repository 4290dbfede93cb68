package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHeadlinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "headlines",
		Short: "Runs the headline plugin once",
		Long: `Scrapes every homepage flagged with "headline", extracts its headlines
with the language model, merges them into the category pages and enriches
the page-one headlines with full article content.`,
		Args: cobra.NoArgs,
		RunE: runHeadlinesCommand,
	}
}

func runHeadlinesCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	report, err := appInstance.Service().RunHeadlines(cmd.Context())
	if err != nil {
		return fmt.Errorf("headlines: %w", err)
	}
	out := cmd.OutOrStdout()
	if report.Skipped != "" {
		fmt.Fprintf(out, "headline run skipped: %s\n", report.Skipped)
		return nil
	}
	fmt.Fprintf(out, "run %s: %d homepages, %d failed, %d merged, %d finalized, %d enriched\n",
		report.RunID, report.Homepages, report.Failed, report.Merged, report.Finalized, report.Enriched)
	return nil
}
