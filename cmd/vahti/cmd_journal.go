package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/wal"
)

// journalCmd groups the action journal subcommands
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the action journal",
	Long: `The journal records every punitive action before and after it is
attempted. Actions without a terminal entry were interrupted and may need
manual follow-up.`,
}

var journalPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List actions that never reached a terminal entry",
	Args:  cobra.NoArgs,
	RunE:  runJournalPending,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal size and entry counts",
	Args:  cobra.NoArgs,
	RunE:  runJournalStats,
}

var journalCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove journal files past retention",
	Args:  cobra.NoArgs,
	RunE:  runJournalCleanup,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalPendingCmd, journalStatsCmd, journalCleanupCmd)
}

func journalSettings(cfg *config.Config) wal.Config {
	jc := wal.DefaultConfig()
	jc.RetentionDays = cfg.Journal.RetentionDays
	return jc
}

func runJournalPending(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pending, err := wal.Pending(cfg.Journal.Dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		_, _ = fmt.Fprintln(out, "No pending actions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ACTION\tSUBJECT\tLAST\tSINCE")
	_, _ = fmt.Fprintln(w, "------\t-------\t----\t-----")
	for _, p := range pending {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ActionID, p.Subject, p.LastType, p.Since.Format(time.RFC3339))
	}
	return w.Flush()
}

func runJournalStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stats, err := wal.GetStatsFromDir(cfg.Journal.Dir, journalSettings(cfg))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Files:    %d\n", stats.TotalFiles)
	_, _ = fmt.Fprintf(out, "Size:     %d bytes\n", stats.TotalSizeBytes)
	_, _ = fmt.Fprintf(out, "Entries:  %d\n", stats.Entries)
	_, _ = fmt.Fprintf(out, "Sequence: %d\n", stats.LastSequence)
	if !stats.OldestFile.IsZero() {
		_, _ = fmt.Fprintf(out, "Oldest:   %s\n", stats.OldestFile.Format(time.RFC3339))
		_, _ = fmt.Fprintf(out, "Newest:   %s\n", stats.NewestFile.Format(time.RFC3339))
	}

	entryTypes := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		entryTypes = append(entryTypes, string(t))
	}
	sort.Strings(entryTypes)
	for _, t := range entryTypes {
		_, _ = fmt.Fprintf(out, "  %-10s %d\n", t, stats.ByType[wal.EntryType(t)])
	}
	return nil
}

func runJournalCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stats, err := wal.Cleanup(cfg.Journal.Dir, journalSettings(cfg))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d files (%d bytes)\n", stats.FilesRemoved, stats.BytesFreed)
	return nil
}
