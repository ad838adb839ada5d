package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pooltrace-server/internal/export"
	"github.com/pooltrace-server/internal/report"
)

func exportCmd(configFile func() string) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every table as a Markdown document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, configFile())
			if err != nil {
				return err
			}
			defer a.Close()

			var sink export.Sink
			switch to {
			case "file":
				sink = export.FileSink{Dir: a.cfg.Export.Dir}
			case "s3":
				s3Sink, err := export.NewS3Sink(ctx, a.cfg.Export, a.log)
				if err != nil {
					return err
				}
				sink = s3Sink
			default:
				return fmt.Errorf("unknown export target %q (want file or s3)", to)
			}

			now := time.Now().UTC()
			var buf bytes.Buffer
			title := fmt.Sprintf("Pool traceability export %s", now.Format(time.RFC3339))
			if err := report.WriteMarkdownExport(&buf, title, a.store.Snapshot()); err != nil {
				return err
			}

			location, err := sink.Put(ctx, report.ExportName(now), &buf)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), location)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "file", "export target: file or s3")
	return cmd
}
