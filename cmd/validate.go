package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/feedcache/internal/sources"
)

// errInvalidDocument is returned by validate --strict when diagnostics exist.
var errInvalidDocument = errors.New("document has diagnostics")

func newValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:         "validate <file>",
		Short:       "Parses a source document and prints its diagnostics",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{standaloneAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when the document has diagnostics")
	return cmd
}

func runValidate(cmd *cobra.Command, path string, strict bool) error {
	doc, err := sources.LoadFile(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	name := filepath.Base(path)
	if file, ok := sources.FileFor(filepath.Dir(path), name); ok {
		fmt.Fprintf(out, "user: %s\n", file.User)
	} else {
		fmt.Fprintf(out, "warning: %s is not a valid document name and will be skipped\n", name)
	}
	fmt.Fprintf(out, "records: %d (%d feeds, %d headline homepages)\n",
		len(doc.Records), len(doc.FeedRecords()), len(doc.HeadlineRecords()))
	for _, category := range doc.Categories {
		fmt.Fprintf(out, "category: %s\n", category)
	}
	for _, d := range doc.Diagnostics {
		fmt.Fprintln(out, d.String())
	}
	if strict && len(doc.Diagnostics) > 0 {
		return fmt.Errorf("%s: %w", name, errInvalidDocument)
	}
	return nil
}
