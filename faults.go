package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"audiorelay/failures"
)

func newFaultsCommand(cc *commandContext) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "faults",
		Short: "Inspect the fault ledger of a stopped process role",
	}
	cmd.PersistentFlags().StringVar(&role, "role", "gateway", "Ledger to open: gateway, converter, notifier or standalone")

	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List orphaned blobs, unconfirmed publishes and rejected messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := failures.Open(cc.cfg.GetFailuresDBPath(role))
			if err != nil {
				return err
			}
			defer ledger.Close()

			records, err := ledger.List(kind)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No faults recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFaults(records))
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "Filter by kind: orphan, rejected or unconfirmed")

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete ledger records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge := olderThan
			if maxAge <= 0 {
				maxAge = cc.cfg.Ledger.Retention()
			}
			ledger, err := failures.Open(cc.cfg.GetFailuresDBPath(role))
			if err != nil {
				return err
			}
			defer ledger.Close()

			n, err := ledger.CleanupOldRecords(maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records older than %v\n", n, maxAge)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (defaults to ledger.retention_days)")

	cmd.AddCommand(list, cleanup)
	return cmd
}

func renderFaults(records []failures.FaultRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Kind", "Stage", "Blob", "Attempts", "Last Seen", "Error", "Rollback Error"})
	for _, r := range records {
		tw.AppendRow(table.Row{
			r.Kind,
			r.Stage,
			shorten(r.BlobID, 24),
			strconv.Itoa(r.Attempts),
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			shorten(r.Error, 48),
			shorten(r.RollbackError, 48),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
