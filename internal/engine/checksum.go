package engine

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/types"
)

const (
	// probeSize is the size of head/tail probes.
	probeSize = 1 << 20
	// blockSize is the read buffer size.
	blockSize = 64 * 1024
)

// ensureChecksums lazily computes full-file SHA-256 checksums for files
// that share a size cohort with at least one other file. Head and tail
// probes eliminate non-duplicates before any full read, the same staged
// discipline as progressive verification: most candidates drop out after
// 1-2 MB of I/O.
func (e *Engine) ensureChecksums(ctx context.Context, assets map[types.FileID]*asset) {
	bySize := make(map[int64][]*asset)
	for _, a := range assets {
		if a.file.Size > 0 {
			bySize[a.file.Size] = append(bySize[a.file.Size], a)
		}
	}

	var work []*asset
	for _, cohort := range bySize {
		if len(cohort) < 2 {
			continue
		}
		for _, a := range cohort {
			if len(a.file.Checksum) == 0 {
				work = append(work, a)
			}
		}
	}
	if len(work) == 0 {
		return
	}
	sort.Slice(work, func(i, j int) bool {
		return work[i].file.ID.String() < work[j].file.ID.String()
	})

	// Head probes, concurrently.
	heads := e.probeAll(ctx, work, func(f *types.File) (int64, int64) {
		return 0, min64(probeSize, f.Size)
	})

	// Tail probes only for files whose head matched another head or an
	// already-checksummed sibling cohort.
	survivors := survivorsOf(work, heads, bySize)
	tails := e.probeAll(ctx, survivors, func(f *types.File) (int64, int64) {
		start := max64(0, f.Size-probeSize)
		return start, f.Size - start
	})
	finalists := survivorsOf(survivors, tails, bySize)

	// Full checksums for the finalists.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, a := range finalists {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			sum, err := fullChecksum(a.file.Path)
			if err != nil {
				logger.Debug("checksum failed", "path", types.ShortPath(a.file.Path), "err", err)
				e.hooks.Count("checksum_errors", 1)
				return nil
			}
			a.file.Checksum = sum
			e.hooks.Count("checksums_computed", 1)
			if e.store != nil {
				if err := e.store.SetChecksum(a.file.ID, sum); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("checksum persistence failed", "err", err)
	}
}

// probeAll hashes one byte range per file concurrently and returns the
// results keyed by id. Failed probes are simply absent.
func (e *Engine) probeAll(ctx context.Context, work []*asset, span func(*types.File) (int64, int64)) map[types.FileID]string {
	type probe struct {
		id   types.FileID
		hash string
	}
	results := make(chan probe, len(work))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, a := range work {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			start, size := span(a.file)
			var hash string
			var err error
			if e.cache != nil {
				if cached, cerr := e.cache.LookupRange(a.file, start, size); cerr == nil && cached != nil {
					results <- probe{a.file.ID, string(cached)}
					e.hooks.Count("probe_cache_hits", 1)
					return nil
				}
			}
			hash, err = hashRange(a.file.Path, start, size)
			if err != nil {
				e.hooks.Count("probe_errors", 1)
				return nil
			}
			if e.cache != nil {
				_ = e.cache.StoreRange(a.file, start, size, []byte(hash))
			}
			results <- probe{a.file.ID, hash}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	out := make(map[types.FileID]string, len(work))
	for p := range results {
		out[p.id] = p.hash
	}
	return out
}

// survivorsOf keeps files whose probe hash matches another probed file of
// the same size, or whose size cohort contains an already-checksummed
// file (which the new file may equal).
func survivorsOf(work []*asset, probes map[types.FileID]string, bySize map[int64][]*asset) []*asset {
	type key struct {
		size int64
		hash string
	}
	counts := make(map[key]int)
	for _, a := range work {
		if h, ok := probes[a.file.ID]; ok {
			counts[key{a.file.Size, h}]++
		}
	}

	var out []*asset
	for _, a := range work {
		h, ok := probes[a.file.ID]
		if !ok {
			continue
		}
		if counts[key{a.file.Size, h}] >= 2 {
			out = append(out, a)
			continue
		}
		for _, sib := range bySize[a.file.Size] {
			if sib.file.ID != a.file.ID && len(sib.file.Checksum) > 0 {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// hashRange hashes a byte range of a file, returning the raw digest bytes
// as a string key.
func hashRange(path string, start, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", err
	}

	hasher := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, io.LimitReader(f, size), buf); err != nil {
		return "", err
	}
	return string(hasher.Sum(nil)), nil
}

// fullChecksum streams the whole file through SHA-256.
func fullChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
