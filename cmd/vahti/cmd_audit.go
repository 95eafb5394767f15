package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/archive"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/types"
)

var (
	auditGroup  string
	auditUser   string
	auditModule string
	auditLimit  int
	auditSince  time.Duration
	auditOutput string
	auditYes    bool
)

// auditCmd groups the audit log subcommands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, clear or export the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	Example: `  vahti audit list --group grp_1
  vahti audit list --user usr_9 --since 24h -o json`,
	Args: cobra.NoArgs,
	RunE: runAuditList,
}

var auditClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all audit history",
	Args:  cobra.NoArgs,
	RunE:  runAuditClear,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as JSONL",
	Long: `Export matching audit entries as JSON lines. With [archive] enabled the
export is uploaded to S3; otherwise it is written to stdout.`,
	Example: `  vahti audit export --group grp_1 > grp_1.jsonl
  vahti audit export --since 720h   # uploads when [archive] is enabled`,
	Args: cobra.NoArgs,
	RunE: runAuditExport,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditClearCmd, auditExportCmd)

	for _, c := range []*cobra.Command{auditListCmd, auditExportCmd} {
		c.Flags().StringVar(&auditGroup, "group", "", "Filter by group id")
		c.Flags().StringVar(&auditUser, "user", "", "Filter by user id")
		c.Flags().StringVar(&auditModule, "module", "", "Filter by module (LiveCheck, BatchScan)")
		c.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this age (e.g. 24h)")
	}
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries (0 for all)")
	auditListCmd.Flags().StringVarP(&auditOutput, "output", "o", "table", "Output format: table, json")
	auditClearCmd.Flags().BoolVarP(&auditYes, "yes", "y", false, "Confirm deletion")
}

func auditFilter(limit int) types.AuditFilter {
	f := types.AuditFilter{
		GroupID: auditGroup,
		UserID:  auditUser,
		Module:  types.Module(auditModule),
		Limit:   limit,
	}
	if auditSince > 0 {
		f.Since = time.Now().Add(-auditSince)
	}
	return f
}

func openAuditStore() (*storage.AuditStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return storage.NewAuditStore(cfg.Storage.Path)
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.Query(cmd.Context(), auditFilter(auditLimit))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch auditOutput {
	case "json":
		if entries == nil {
			entries = []types.AuditLogEntry{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", auditOutput)
	}

	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No audit entries")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tGROUP\tUSER\tACTION\tMODULE\tREASON")
	_, _ = fmt.Fprintln(w, "----\t-----\t----\t------\t------\t------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339),
			e.GroupID,
			e.UserID,
			e.Action,
			e.Module,
			truncate(e.Reason, 40),
		)
	}
	return w.Flush()
}

func runAuditClear(cmd *cobra.Command, _ []string) error {
	if !auditYes {
		return fmt.Errorf("refusing to clear audit history without --yes")
	}
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Clear(cmd.Context()); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Audit history cleared")
	return nil
}

func runAuditExport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewAuditStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	entries, err := store.Query(ctx, auditFilter(0))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !cfg.Archive.Enabled {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	archiver, err := archive.New(ctx, archive.Config{
		Bucket:  cfg.Archive.Bucket,
		Prefix:  cfg.Archive.Prefix,
		Region:  cfg.Archive.Region,
		Profile: cfg.Archive.Profile,
	})
	if err != nil {
		return err
	}
	key, err := archiver.Export(ctx, auditGroup, entries)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Exported %d entries to s3://%s/%s\n", len(entries), cfg.Archive.Bucket, key)
	return nil
}
