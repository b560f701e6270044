// Package videohash produces frame-sequence fingerprints for video files.
//
// A fingerprint samples up to three frames (start, middle, end), decodes
// each at a bounded resolution, and runs the frames through the dHash
// path. Frames are discarded as soon as they are hashed; only the 64-bit
// hashes and their sample times survive.
package videohash

import (
	"bytes"
	"context"
	"image"
	_ "image/png"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dupekit/dupekit/internal/ffprobe"
	"github.com/dupekit/dupekit/internal/imagehash"
	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/types"
)

const (
	// frameCap bounds the decoded frame geometry.
	frameCap = 720
	// endMargin keeps the last sample off the container's final instant,
	// where many encoders have no decodable frame.
	endMargin = 0.25
	// collapseEps collapses sample times that are equal within 1e-3 s.
	collapseEps = 1e-3
)

// SampleTimes returns the deterministic sample schedule for a duration:
// {0, d/2, max(d−1, 0)}, each clamped to [0, d−0.25], deduplicated within
// 1e-3 s. Durations under 2 s keep only start and end.
func SampleTimes(duration float64) []float64 {
	if duration <= 0 {
		return []float64{0}
	}
	limit := duration - endMargin
	if limit < 0 {
		limit = 0
	}
	clamp := func(t float64) float64 {
		if t < 0 {
			return 0
		}
		if t > limit {
			return limit
		}
		return t
	}

	var raw []float64
	if duration < 2 {
		raw = []float64{0, duration - 1}
	} else {
		raw = []float64{0, duration / 2, duration - 1}
	}

	var out []float64
	for _, t := range raw {
		c := clamp(t)
		dup := false
		for _, prev := range out {
			if diff := c - prev; diff < collapseEps && diff > -collapseEps {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// Fingerprint samples and hashes frames for a video file. Returns nil when
// the asset is unreadable, protected, or yields zero decodable frames.
func Fingerprint(ctx context.Context, f *types.File) *types.VideoSignature {
	probe, err := ffprobe.Run(ctx, f.Path)
	if err != nil {
		logger.Debug("video probe failed", "path", types.ShortPath(f.Path), "err", err)
		return nil
	}
	if probe.Width == 0 || probe.Height == 0 {
		return nil // no video stream
	}

	times := SampleTimes(probe.Duration)

	// Frame extraction is the expensive step; decode the samples
	// concurrently, then keep only the ones that produced a frame,
	// preserving schedule order.
	hashes := make([]uint64, len(times))
	ok := make([]bool, len(times))
	g, gctx := errgroup.WithContext(ctx)
	for i, at := range times {
		g.Go(func() error {
			png, err := ffprobe.ExtractFrame(gctx, f.Path, at, frameCap)
			if err != nil {
				return nil // missing frame drops this sample only
			}
			img, _, err := image.Decode(bytes.NewReader(png))
			if err != nil {
				return nil
			}
			hashes[i] = imagehash.DHash(img)
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var frameHashes []uint64
	var sampleTimes []float64
	for i := range times {
		if ok[i] {
			frameHashes = append(frameHashes, hashes[i])
			sampleTimes = append(sampleTimes, times[i])
		}
	}
	if len(frameHashes) == 0 {
		return nil
	}

	return &types.VideoSignature{
		FileID:      f.ID,
		Duration:    probe.Duration,
		Width:       probe.Width,
		Height:      probe.Height,
		FrameHashes: frameHashes,
		SampleTimes: sampleTimes,
		ComputedAt:  time.Now().UTC(),
	}
}
