package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dupekit/dupekit/internal/metadata"
	"github.com/dupekit/dupekit/internal/scanner"
	"github.com/dupekit/dupekit/internal/signatures"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/types"
	"github.com/dupekit/dupekit/internal/watch"
)

type scanOptions struct {
	excludes       []string
	followSymlinks bool
	workers        int
	full           bool
	noProgress     bool
	watch          bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Scan directories and extract media signatures",
		Long: `Walks the given roots, records file identity, and extracts metadata and
perceptual signatures for new or changed files. Repeated scans are
incremental: unchanged files are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Additional exclude patterns")
	cmd.Flags().BoolVar(&opts.followSymlinks, "follow-symlinks", false, "Follow symlinked directories")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Concurrent directory reads")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Rescan everything, ignoring incremental state")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep watching the roots after the scan")

	return cmd
}

func runScan(cmd *cobra.Command, roots []string, opts *scanOptions) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers := opts.workers
	if workers <= 0 {
		workers = a.cfg.IOWorkers
	}

	s := scanner.New(roots, scanner.Options{
		Excludes:       append(append([]string{}, a.cfg.Excludes...), opts.excludes...),
		FollowSymlinks: opts.followSymlinks,
		Concurrency:    workers,
		Incremental:    !opts.full,
	}, a.store)

	var refresh []*types.File
	for ev := range s.Run(ctx) {
		switch ev.Kind {
		case scanner.EventItem:
			if ev.File.NeedsMetadata || ev.File.NeedsSignature {
				refresh = append(refresh, ev.File)
			}
		case scanner.EventError:
			fmt.Fprintf(os.Stderr, "warn: %v\n", ev.Err)
		case scanner.EventFinished:
			fmt.Fprintln(os.Stderr, ev.Metrics)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	pref := metadata.PreferCreated
	var src string
	if ok, _ := a.store.PreferenceValue(store.PrefCaptureTimeSource, &src); ok && src == "modified" {
		pref = metadata.PreferModified
	}
	stage := signatures.New(a.store, a.cache, metadata.New(pref), signatures.Options{
		PHash:        a.cfg.PHash,
		IOWorkers:    workers,
		HashWorkers:  a.cfg.HashWorkers,
		ShowProgress: !opts.noProgress,
	})
	stage.Run(ctx, refresh)

	if opts.watch {
		w, err := watch.New(a.store, roots)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		fmt.Fprintln(os.Stderr, "watching for changes, ctrl-c to stop")
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}
