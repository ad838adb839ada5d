package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pooltrace-server/internal/api"
	"github.com/pooltrace-server/internal/cache"
)

func serveCmd(configFile func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, configFile())
			if err != nil {
				return err
			}
			defer a.Close()

			reportCache, err := cache.New(a.cfg.Cache, a.log)
			if err != nil {
				return err
			}
			defer reportCache.Close()

			server := api.NewServer(a.cfg.Server, a.store, a.metrics, a.log,
				api.WithCache(reportCache),
				api.WithRepository(a.repo),
			)

			a.log.WithFields(logrus.Fields{
				"environment": a.cfg.Environment,
				"production":  a.manager.IsProduction(),
				"database":    a.cfg.Database.Driver,
				"cache":       a.cfg.Cache.Driver,
			}).Info("Starting pooltrace server")
			if err := server.Start(ctx); err != nil {
				return err
			}
			a.log.Info("Server stopped")
			return nil
		},
	}
}
