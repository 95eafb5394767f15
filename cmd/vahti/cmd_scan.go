package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/scanner"
	"github.com/yairfalse/vahti/types"
)

var scanOutput string

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <group-id>",
	Short: "Scan every member of a group against its rules",
	Long: `Page through the group's member list and evaluate each member against
the group's enabled rules. When the group has enable_auto_ban set and the
group is authorized, members matched by an AUTO_BLOCK rule are banned.`,
	Example: `  vahti scan grp_1            # Table output
  vahti scan grp_1 -o json    # JSON report`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "table", "Output format: table, json")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := daemon.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	report, err := c.Scanner.Scan(ctx, args[0])
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	out := cmd.OutOrStdout()
	switch scanOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "table":
		printScanReport(out, report)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", scanOutput)
	}
}

func printScanReport(out io.Writer, report scanner.Report) {
	s := report.Summary
	_, _ = fmt.Fprintf(out, "Scanned %d members of %s in %d pages (%s)\n", s.Evaluated, s.GroupID, s.Pages, s.Duration.Round(time.Millisecond))
	if s.Aborted {
		_, _ = fmt.Fprintln(out, "Scan aborted after repeated page failures; results are partial")
	}
	if s.Capped {
		_, _ = fmt.Fprintln(out, "Member cap reached; remaining members were not scanned")
	}
	if len(report.Results) == 0 {
		_, _ = fmt.Fprintln(out, "No violations found")
		return
	}

	_, _ = fmt.Fprintf(out, "\n%d flagged, %d banned:\n", s.Flagged, s.Banned)
	printResults(out, report.Results)
}

func printResults(out io.Writer, results []types.ScanResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USER\tNAME\tACTION\tRULE\tREASON")
	_, _ = fmt.Fprintln(w, "----\t----\t------\t----\t------")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.UserID,
			truncate(r.DisplayName, 24),
			r.Action,
			truncate(r.RuleName, 24),
			truncate(r.Reason, 40),
		)
	}
	_ = w.Flush()
}
