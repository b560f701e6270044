package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dupekit/dupekit/internal/config"
	"github.com/dupekit/dupekit/internal/engine"
	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/sigcache"
	"github.com/dupekit/dupekit/internal/store"
)

// app bundles the shared state every subcommand needs.
type app struct {
	cfg   config.Config
	store *store.Store
	cache *sigcache.Cache
}

// openApp loads configuration and opens the store and signature cache.
func openApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger.Configure(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cache, err := sigcache.Open(cfg.CachePath)
	if err != nil {
		logger.Warn("signature cache unavailable", "err", err)
		cache, _ = sigcache.Open("")
	}
	return &app{cfg: cfg, store: st, cache: cache}, nil
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
}

// engineOptions maps config onto engine options.
func (a *app) engineOptions() engine.Options {
	return engine.Options{
		Weights: engine.Weights{
			Checksum:    a.cfg.WeightChecksum,
			Hash:        a.cfg.WeightHash,
			Metadata:    a.cfg.WeightMetadata,
			Name:        a.cfg.WeightName,
			CaptureTime: a.cfg.WeightCaptureTime,
		},
		ImageDistanceThreshold:  a.cfg.ImageDistanceThreshold,
		ConfidenceDuplicate:     a.cfg.ConfidenceDuplicate,
		ConfidenceSimilar:       a.cfg.ConfidenceSimilar,
		MaxBucketSize:           a.cfg.MaxBucketSize,
		MaxComparisonsPerBucket: a.cfg.MaxComparisonsPerBucket,
		TimeBudget:              time.Duration(a.cfg.TimeBudgetMs) * time.Millisecond,
		UseBKTree:               a.cfg.UseBKTree,
		LinkRawJpeg:             a.cfg.LinkRawJpeg,
		LinkLivePhoto:           a.cfg.LinkLivePhoto,
		LinkSidecar:             a.cfg.LinkSidecar,
	}
}

// hooks wires the engine's instrumentation points to debug logs.
func (a *app) hooks() engine.Hooks {
	return engine.Hooks{
		Counter: func(name string, delta int64) {
			logger.Debug("counter", "name", name, "delta", delta)
		},
		Timer: func(name string, elapsed time.Duration) {
			logger.Debug("timer", "name", name, "elapsed", elapsed)
		},
	}
}
