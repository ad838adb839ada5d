package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pooltrace-server/internal/simulate"
)

func simulateCmd(configFile func() string) *cobra.Command {
	opts := simulate.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Populate an empty database with a synthetic pooling run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, configFile())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.store.Generation() > 0 {
				return fmt.Errorf("database %s already holds records", a.cfg.Database.Path)
			}

			ds, err := simulate.Generate(opts)
			if err != nil {
				return err
			}
			if err := ds.Apply(a.store); err != nil {
				return err
			}
			if err := a.save(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "samples: %d  pools: %d  tests: %d\n", len(ds.Samples), len(ds.Pools), len(ds.Tests))
			fmt.Fprintf(out, "planted missing reflexes: %d\n", len(ds.Planted))
			for _, m := range ds.Planted {
				fmt.Fprintf(out, "  %s | %s\n", m.PoolID, m.SampleID)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	cmd.Flags().IntVar(&opts.Samples, "samples", opts.Samples, "number of samples")
	cmd.Flags().IntVar(&opts.PoolSize, "pool-size", opts.PoolSize, "samples per pool")
	cmd.Flags().Float64Var(&opts.ExceptionRate, "exception-rate", opts.ExceptionRate, "chance of skipping a reflex test")
	cmd.Flags().IntVar(&opts.MaxExceptions, "max-exceptions", opts.MaxExceptions, "upper bound on skipped reflex tests")
	return cmd
}
