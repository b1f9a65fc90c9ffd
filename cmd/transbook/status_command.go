package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"transbook/internal/state"
)

func newStatusCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the translation state of every known document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFlag)
			if err != nil {
				return err
			}

			store, err := state.Open(cfg.StatePath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := store.Summarize(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No documents recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "URL\tSTATUS\tOUTPUT\tERROR")
			for _, record := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					record.URL, record.Status, record.OutputPath, record.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\n%d total: %d persisted, %d failed, %d in flight\n",
				summary.Total, summary.Persisted, summary.Failed, summary.InFlight)
			return nil
		},
	}
}
