package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	reportagent "github.com/ofdreport/ReportAgent"
	"github.com/ofdreport/ReportAgent/internal/config"
	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagLimit  int
		flagBatch  string
		flagDBPath string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent batches or the per-source outcomes of one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := reportagent.OpenBatchStore(firstNonEmpty(flagDBPath, cfg.DBPath))
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if batchID := strings.TrimSpace(flagBatch); batchID != "" {
				recs, err := store.ListSources(cmd.Context(), batchID)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "#\tSOURCE\tSTATE\tFILE\tELAPSED\tERROR")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Index, r.SourceName, r.State, r.File,
						r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Error)
				}
				return w.Flush()
			}

			batches, err := store.ListBatches(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "BATCH\tHOST\tSTARTED\tFILTER\tRANGE\tSOURCES\tFILES\tFAILED\tROWS\tSTATUS")
			for _, b := range batches {
				status := "running"
				switch {
				case b.Aborted:
					status = "aborted"
				case b.Finished:
					status = "finished"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					b.BatchID, b.Host, b.StartedAt.Format("02.01.2006 15:04"), b.Filter,
					types.DateRange{Start: b.RangeFrom, End: b.RangeTo}, b.Sources, b.Files, b.Failed, b.Rows, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "How many batches to list")
	cmd.Flags().StringVar(&flagBatch, "batch", "", "Show the source outcomes of this batch")
	cmd.Flags().StringVar(&flagDBPath, "db-path", "", "Batch history database; overrides $"+config.EnvDBPath)
	return cmd
}
