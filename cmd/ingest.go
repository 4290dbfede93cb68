package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [user]",
		Short: "Rebuilds the caches once",
		Long: `Fetches the feeds of every source document, or of the named user only,
and rewrites the affected page files. Categories whose feeds all fail keep
their previous cache.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runIngestCommand,
	}
}

func runIngestCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	svc := appInstance.Service()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		report, err := svc.IngestUser(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("ingest %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "user %s: %d items in [%s], %d failed feeds\n",
			report.User, report.Items, strings.Join(report.Categories, ", "), report.Failed)
		if report.Skipped {
			fmt.Fprintln(out, "every feed failed, previous cache kept")
		}
		for _, source := range sortedKeys(report.Errors) {
			fmt.Fprintf(out, "  %s: %v\n", source, report.Errors[source])
		}
		return nil
	}

	summary, err := svc.IngestAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	fmt.Fprintf(out, "run %s: %d documents, %d built, %d kept, %d failed, %d items in %s\n",
		summary.RunID, summary.Documents, summary.Built, summary.Kept, summary.Failed,
		summary.Items, summary.Duration.Round(time.Millisecond))
	for _, name := range summary.Invalid {
		fmt.Fprintf(out, "  skipped %s: invalid document name\n", name)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
