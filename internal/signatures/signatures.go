// Package signatures is the extraction stage: it populates metadata and
// perceptual signatures for files flagged for refresh.
//
// # Concurrency Model
//
// Two bounded pools, per the resource model:
//
//   - I/O pool: metadata reads (EXIF, container probes)
//   - Hash pool: image decodes and frame hashing, one slot per core
//
// Work items are independent files; results go straight to the store,
// whose writer serializes them. The signature cache short-circuits files
// whose identity, size, and mtime are unchanged since a previous run.
package signatures

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dupekit/dupekit/internal/imagehash"
	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/metadata"
	"github.com/dupekit/dupekit/internal/progress"
	"github.com/dupekit/dupekit/internal/sigcache"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/types"
	"github.com/dupekit/dupekit/internal/videohash"
)

// Options tunes the extraction stage.
type Options struct {
	PHash        bool
	IOWorkers    int
	HashWorkers  int
	ShowProgress bool
}

// Stats tracks extraction progress.
type Stats struct {
	MetadataRead atomic.Int64
	ImagesHashed atomic.Int64
	VideosHashed atomic.Int64
	CacheHits    atomic.Int64
	Failures     atomic.Int64
	start        time.Time
}

func (s *Stats) String() string {
	return fmt.Sprintf("Extracted metadata for %d files, hashed %d images and %d videos (%d cached, %d failures) in %.1fs",
		s.MetadataRead.Load(), s.ImagesHashed.Load(), s.VideosHashed.Load(),
		s.CacheHits.Load(), s.Failures.Load(), time.Since(s.start).Seconds())
}

// Stage computes and persists metadata and signatures.
//
// The stage is designed for single-use: create with New, call Run once.
type Stage struct {
	store     *store.Store
	cache     *sigcache.Cache // may be nil
	extractor *metadata.Extractor
	opts      Options
}

// New creates a Stage. cache may be nil to disable signature caching.
func New(st *store.Store, cache *sigcache.Cache, extractor *metadata.Extractor, opts Options) *Stage {
	if opts.IOWorkers <= 0 {
		opts.IOWorkers = 4
	}
	if opts.HashWorkers <= 0 {
		opts.HashWorkers = runtime.NumCPU()
	}
	return &Stage{store: st, cache: cache, extractor: extractor, opts: opts}
}

// Run processes the given files, refreshing whatever their flags demand.
// Failures become absent signatures, never errors; the returned stats
// carry the failure count.
func (s *Stage) Run(ctx context.Context, files []*types.File) *Stats {
	stats := &Stats{start: time.Now()}
	bar := progress.New(s.opts.ShowProgress, int64(len(files)))

	// Metadata first: bucket keys depend on dimensions and durations.
	gMeta, mctx := errgroup.WithContext(ctx)
	gMeta.SetLimit(s.opts.IOWorkers)
	for _, f := range files {
		if !f.NeedsMetadata {
			continue
		}
		gMeta.Go(func() error {
			if mctx.Err() != nil {
				return nil
			}
			m := s.extractor.Read(mctx, f)
			if err := s.store.SaveMetadata(m); err != nil {
				logger.Warn("metadata not persisted", "path", types.ShortPath(f.Path), "err", err)
				stats.Failures.Add(1)
				return nil
			}
			stats.MetadataRead.Add(1)
			return nil
		})
	}
	_ = gMeta.Wait()

	// Signatures second, on the hashing pool. Cancellation is honored at
	// file boundaries.
	gHash, hctx := errgroup.WithContext(ctx)
	gHash.SetLimit(s.opts.HashWorkers)
	for _, f := range files {
		if !f.NeedsSignature {
			bar.Add(1)
			continue
		}
		gHash.Go(func() error {
			defer bar.Add(1)
			if hctx.Err() != nil {
				return nil
			}
			switch f.Kind {
			case types.KindPhoto:
				s.hashPhoto(f, stats)
			case types.KindVideo:
				s.hashVideo(hctx, f, stats)
			default:
				// Audio signatures derive at bucket time; nothing to
				// persist, but the flag clears so the file stops
				// re-entering the stage.
				if err := s.store.SaveImageSigs(f.ID, nil); err == nil {
					f.NeedsSignature = false
				}
			}
			return nil
		})
	}
	_ = gHash.Wait()

	bar.Finish(stats)
	return stats
}

func (s *Stage) hashPhoto(f *types.File, stats *Stats) {
	if s.cache != nil {
		if sigs, err := s.cache.LookupImageSigs(f); err == nil && sigs != nil {
			if err := s.store.SaveImageSigs(f.ID, sigs); err == nil {
				stats.CacheHits.Add(1)
				f.NeedsSignature = false
				return
			}
		}
	}

	img, err := imagehash.DecodeOriented(f.Path)
	if err != nil {
		// Undecodable containers (RAW, HEIC) participate through
		// metadata and policy links only.
		logger.Debug("image not hashable", "path", types.ShortPath(f.Path), "err", err)
		stats.Failures.Add(1)
		_ = s.store.SaveImageSigs(f.ID, nil)
		return
	}

	now := time.Now().UTC()
	var sigs []types.ImageSignature
	for _, h := range imagehash.Compute(img, imagehash.Config{PHash: s.opts.PHash}) {
		sigs = append(sigs, types.ImageSignature{
			FileID:     f.ID,
			Algorithm:  types.HashAlg(h.Algorithm),
			Hash:       h.Hash,
			Width:      h.Width,
			Height:     h.Height,
			ComputedAt: now,
		})
	}
	if err := s.store.SaveImageSigs(f.ID, sigs); err != nil {
		logger.Warn("signatures not persisted", "path", types.ShortPath(f.Path), "err", err)
		stats.Failures.Add(1)
		return
	}
	if s.cache != nil {
		_ = s.cache.StoreImageSigs(f, sigs)
	}
	f.NeedsSignature = false
	stats.ImagesHashed.Add(1)
}

func (s *Stage) hashVideo(ctx context.Context, f *types.File, stats *Stats) {
	if s.cache != nil {
		if sig, err := s.cache.LookupVideoSig(f); err == nil && sig != nil {
			if err := s.store.SaveVideoSig(sig); err == nil {
				stats.CacheHits.Add(1)
				f.NeedsSignature = false
				return
			}
		}
	}

	sig := videohash.Fingerprint(ctx, f)
	if sig == nil {
		stats.Failures.Add(1)
		_ = s.store.SaveImageSigs(f.ID, nil) // clears the refresh flag
		return
	}
	if err := s.store.SaveVideoSig(sig); err != nil {
		logger.Warn("fingerprint not persisted", "path", types.ShortPath(f.Path), "err", err)
		stats.Failures.Add(1)
		return
	}
	if s.cache != nil {
		_ = s.cache.StoreVideoSig(f, sig)
	}
	f.NeedsSignature = false
	stats.VideosHashed.Add(1)
}
