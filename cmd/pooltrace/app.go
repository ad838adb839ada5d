package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/config"
	"github.com/pooltrace-server/internal/domain"
	"github.com/pooltrace-server/internal/logging"
	"github.com/pooltrace-server/internal/metrics"
	"github.com/pooltrace-server/internal/persistence"
	"github.com/pooltrace-server/internal/store"
)

// app holds the components every command shares: configuration, logging,
// metrics and the store restored from the repository.
type app struct {
	manager domain.ConfigManager
	cfg     *domain.Config
	log     *logrus.Logger
	metrics *metrics.Collector
	store   *store.MemoryStore
	repo    domain.Repository
}

// openApp loads configuration and restores the record store. Logs go to
// stderr so report output on stdout stays clean.
func openApp(ctx context.Context, configFile string) (*app, error) {
	var opts []config.Option
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	manager, err := config.NewManager(opts...)
	if err != nil {
		return nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()

	logger := logging.NewWithOutput(cfg.Logging, os.Stderr)
	collector := metrics.NewCollector()

	repo, err := persistence.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	snap, err := repo.Load(ctx)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("loading records: %w", err)
	}
	s := store.New(logger, store.WithObserver(collector))
	if err := s.Restore(snap); err != nil {
		repo.Close()
		return nil, err
	}

	return &app{manager: manager, cfg: cfg, log: logger, metrics: collector, store: s, repo: repo}, nil
}

// save persists every record currently in the store.
func (a *app) save(ctx context.Context) error {
	if err := a.repo.Save(ctx, a.store.Snapshot()); err != nil {
		return fmt.Errorf("saving records: %w", err)
	}
	return nil
}

func (a *app) Close() error {
	return a.repo.Close()
}
