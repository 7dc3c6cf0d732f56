package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/ofdreport/ReportAgent/internal/config"
	"github.com/ofdreport/ReportAgent/pkg/sources"
	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	var flagURLs []string
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Show how the configured source URLs are classified",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := flagURLs
			if len(urls) == 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				urls = cfg.SourceURLs
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSOURCE\tMODE\tURL")
			for i, u := range urls {
				src, err := sources.Classify(u)
				if err != nil {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, "unsupported", "-", u)
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, src.Name, src.Mode, u)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringArrayVar(&flagURLs, "url", nil, "URL to classify (repeatable); defaults to $"+config.EnvSourceURLs)
	return cmd
}
