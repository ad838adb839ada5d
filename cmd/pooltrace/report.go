package main

import (
	"github.com/spf13/cobra"

	"github.com/pooltrace-server/internal/report"
	"github.com/pooltrace-server/internal/service"
)

func reportCmd(configFile func() string) *cobra.Command {
	opts := report.DefaultQueryOptions()

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the traceability queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configFile())
			if err != nil {
				return err
			}
			defer a.Close()

			q := service.NewQueryService(a.store, a.log)
			return report.WriteQueries(cmd.OutOrStdout(), q, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PoolID, "pool", opts.PoolID, "pool for the membership query")
	cmd.Flags().StringVar(&opts.SampleID, "sample", opts.SampleID, "sample for the lineage query")
	return cmd
}
