package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pooltrace-server/internal/ingest"
)

func loadCmd(configFile func() string) *cobra.Command {
	var intake, poolPlan, results string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load intake, pool plan and result CSV feeds",
		Long: `Load CSV feeds into the record store. Feeds are applied in dependency
order (intake, then pool plan, then results) and the store is saved once all
of them have been read. Rows that break an invariant are counted and skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if intake == "" && poolPlan == "" && results == "" {
				return fmt.Errorf("at least one of --intake, --pool-plan or --results is required")
			}
			ctx := cmd.Context()

			a, err := openApp(ctx, configFile())
			if err != nil {
				return err
			}
			defer a.Close()

			loader := ingest.NewLoader(a.store, a.cfg.Ingest, a.log, ingest.WithObserver(a.metrics))
			feeds := []struct {
				path string
				load func(context.Context, io.Reader) (ingest.Stats, error)
			}{
				{intake, loader.LoadIntake},
				{poolPlan, loader.LoadPoolPlan},
				{results, loader.LoadResults},
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, feed := range feeds {
				if feed.path == "" {
					continue
				}
				stats, err := loadFile(ctx, feed.path, feed.load)
				if err != nil {
					return err
				}
				if err := enc.Encode(stats); err != nil {
					return err
				}
			}

			return a.save(ctx)
		},
	}

	cmd.Flags().StringVar(&intake, "intake", "", "sample intake CSV")
	cmd.Flags().StringVar(&poolPlan, "pool-plan", "", "pool plan CSV")
	cmd.Flags().StringVar(&results, "results", "", "test results CSV")
	return cmd
}

func loadFile(ctx context.Context, path string, load func(context.Context, io.Reader) (ingest.Stats, error)) (ingest.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Stats{}, fmt.Errorf("opening feed: %w", err)
	}
	defer f.Close()

	stats, err := load(ctx, f)
	if err != nil {
		return stats, fmt.Errorf("loading %s: %w", path, err)
	}
	return stats, nil
}
