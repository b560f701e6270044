// Package scanner turns root paths into a deterministic stream of scan
// events for duplicate detection.
//
// # Architecture Overview
//
// The scanner walks each root depth-first in lexicographic order, so the
// emitted item stream is stable for a given root set and options. Directory
// listings are the only blocking I/O on the walk path and are prefetched
// concurrently, bounded by a semaphore; emission order never depends on
// which listing finishes first.
//
// # Concurrency Model
//
//  1. LISTER GOROUTINES (fan-out)
//     - One goroutine per discovered directory, gated by listSem
//     - Each lister: acquires semaphore → reads directory → resolves
//       entry metadata → releases semaphore → parks result in a future
//
//  2. EMITTER (caller of Run)
//     - Single goroutine consuming futures in sorted order
//     - Applies excludes, identity dedup, incremental lookups
//     - Sends events; honors cancellation at every directory boundary
//       and before every item emission
//
// # Why This Design?
//
//   - Sorted recursion makes the event order reproducible across runs
//   - Futures decouple listing latency from emission order
//   - Identity dedup by (dev, ino) handles hardlinks and symlink cycles
//     with one visited set
package scanner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"

	"github.com/dupekit/dupekit/internal/types"
)

// Catalog is the slice of the persistent store the scanner needs for
// incremental mode.
type Catalog interface {
	FindByIdentity(dev, ino uint64) (*types.File, error)
	FindByPath(path string) (*types.File, error)
	SaveFile(f *types.File) error
	InvalidateSignatures(id types.FileID) error
}

// Options configures a scan.
type Options struct {
	Excludes       []string // doublestar patterns, applied to base names and subpath suffixes
	FollowSymlinks bool
	Concurrency    int  // concurrent directory listings; capped at min(cores, this)
	Incremental    bool // reuse persisted files, skip unchanged ones
}

// EventKind discriminates scan events.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventItem
	EventError
	EventFinished
)

// Event is one element of the scan stream.
type Event struct {
	Kind    EventKind
	Root    string           // Started
	Path    string           // Error
	File    *types.File      // Item
	Err     *types.CoreError // Error
	N       int64            // Progress: items emitted so far
	Metrics *Metrics         // Finished
}

// Metrics summarizes a finished scan.
type Metrics struct {
	Scanned   atomic.Int64 // files seen
	Emitted   atomic.Int64 // items sent
	Unchanged atomic.Int64 // silently skipped in incremental mode
	Errors    atomic.Int64
	Bytes     atomic.Int64
	start     time.Time
}

func (m *Metrics) String() string {
	return fmt.Sprintf("Scanned %d files (%s), emitted %d, skipped %d unchanged, %d errors in %.1fs",
		m.Scanned.Load(), humanize.IBytes(uint64(m.Bytes.Load())),
		m.Emitted.Load(), m.Unchanged.Load(), m.Errors.Load(),
		time.Since(m.start).Seconds())
}

// Scanner walks roots and emits events.
//
// The scanner is designed for single-use: create with New, call Run once.
type Scanner struct {
	roots   []string
	opts    Options
	catalog Catalog // nil disables incremental persistence

	listSem types.Semaphore
	events  chan Event
	metrics *Metrics
	visited map[identityKey]bool // directories and files already seen
}

type identityKey struct{ dev, ino uint64 }

// New creates a Scanner. catalog may be nil for a stateless scan.
func New(roots []string, opts Options, catalog Catalog) *Scanner {
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 4
	}
	if n := runtime.NumCPU(); workers > n {
		workers = n
	}
	return &Scanner{
		roots:   roots,
		opts:    opts,
		catalog: catalog,
		listSem: types.NewSemaphore(workers),
		visited: make(map[identityKey]bool),
	}
}

// Run executes the scan, returning the event stream. The channel closes
// after the Finished event. Cancellation stops the walk at the next
// directory boundary or item emission.
func (s *Scanner) Run(ctx context.Context) <-chan Event {
	s.events = make(chan Event, 256)
	s.metrics = &Metrics{start: time.Now()}

	go func() {
		defer close(s.events)
		for _, root := range s.roots {
			abs, err := filepath.Abs(root)
			if err != nil {
				s.emitError(ctx, root, "io_error", types.EnvironmentError, err)
				continue
			}
			if !s.emit(ctx, Event{Kind: EventStarted, Root: abs}) {
				return
			}
			s.walk(ctx, abs, abs)
		}
		s.emit(ctx, Event{Kind: EventFinished, Metrics: s.metrics})
	}()

	return s.events
}

// listing is the future produced by a lister goroutine.
type listing struct {
	files   []entryInfo
	subdirs []string
	err     error
	done    chan struct{}
}

type entryInfo struct {
	path string
	info os.FileInfo
}

// listAsync starts a bounded lister goroutine for dir.
func (s *Scanner) listAsync(dir string) *listing {
	l := &listing{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		s.listSem.Acquire()
		defer s.listSem.Release()
		l.files, l.subdirs, l.err = s.listDirectory(dir)
	}()
	return l
}

// walk processes one directory: waits for its listing, prefetches child
// listings, emits files in sorted order, then recurses into sorted
// subdirectories. Prefetching keeps the listers busy on deep trees while
// emission order stays fixed.
func (s *Scanner) walk(ctx context.Context, root, dir string) {
	if ctx.Err() != nil {
		return
	}
	l := s.listAsync(dir)
	<-l.done
	s.walkListed(ctx, root, dir, l)
}

// walkListed is walk for a directory whose listing is already resolved.
func (s *Scanner) walkListed(ctx context.Context, root, dir string, l *listing) {
	if l.err != nil {
		s.emitListError(ctx, dir, l.err)
		return
	}

	type child struct {
		path string
		l    *listing
	}
	var children []child
	for _, sub := range l.subdirs {
		if s.excluded(root, sub) {
			continue
		}
		if !s.enterDirectory(ctx, sub) {
			continue
		}
		children = append(children, child{path: sub, l: s.listAsync(sub)})
	}

	for _, e := range l.files {
		if ctx.Err() != nil {
			return
		}
		s.processFile(ctx, root, e)
	}

	for _, c := range children {
		if ctx.Err() != nil {
			return
		}
		<-c.l.done
		s.walkListed(ctx, root, c.path, c.l)
	}
}

// enterDirectory registers a directory in the visited set, preventing
// symlink cycles and duplicate traversal. Returns false when the
// directory was already visited or cannot be identified.
func (s *Scanner) enterDirectory(ctx context.Context, dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		s.emitListError(ctx, dir, err)
		return false
	}
	id, ok := identityOf(info)
	if !ok {
		return true
	}
	key := identityKey{id.Dev, id.Ino}
	if s.visited[key] {
		if s.opts.FollowSymlinks {
			s.emitError(ctx, dir, "symlink_cycle", types.EnvironmentError, nil)
		}
		return false
	}
	s.visited[key] = true
	return true
}

// listDirectory reads one directory, returning files and subdirectories
// sorted by name. This is the only place directory I/O happens.
func (s *Scanner) listDirectory(dirPath string) (files []entryInfo, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	// Batch reading bounds memory on directories with very many entries.
	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return files, subdirs, err
			}
			break
		}
		for _, entry := range entries {
			full := filepath.Join(dirPath, entry.Name())
			switch {
			case entry.IsDir():
				subdirs = append(subdirs, full)
			case entry.Type()&os.ModeSymlink != 0:
				if !s.opts.FollowSymlinks {
					continue
				}
				info, err := os.Stat(full) // resolves the link
				if err != nil {
					continue
				}
				if info.IsDir() {
					subdirs = append(subdirs, full)
				} else if info.Mode().IsRegular() {
					files = append(files, entryInfo{path: full, info: info})
				}
			case entry.Type().IsRegular():
				info, err := entry.Info()
				if err != nil {
					continue // lost a race with deletion
				}
				files = append(files, entryInfo{path: full, info: info})
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	sort.Strings(subdirs)
	return files, subdirs, nil
}

// processFile applies filters, identity dedup, and incremental lookups,
// then emits an item event.
func (s *Scanner) processFile(ctx context.Context, root string, e entryInfo) {
	s.metrics.Scanned.Add(1)
	s.metrics.Bytes.Add(e.info.Size())

	if s.excluded(root, e.path) {
		return
	}

	id, hasID := identityOf(e.info)
	if hasID {
		key := identityKey{id.Dev, id.Ino}
		if s.visited[key] {
			return // hardlink to an already emitted file
		}
		s.visited[key] = true
	}

	if isCloudPlaceholder(e.info) {
		s.emitError(ctx, e.path, "cloud_placeholder", types.EnvironmentError, nil)
		return
	}

	f, changed, err := s.resolveFile(e, id)
	if err != nil {
		s.emitError(ctx, e.path, "io_error", types.EnvironmentError, err)
		return
	}
	if f == nil {
		s.metrics.Unchanged.Add(1)
		return
	}

	if s.catalog != nil {
		if changed {
			if err := s.catalog.InvalidateSignatures(f.ID); err != nil {
				s.emitError(ctx, e.path, "io_error", types.EnvironmentError, err)
			}
		}
		if err := s.catalog.SaveFile(f); err != nil {
			s.emitError(ctx, e.path, "io_error", types.EnvironmentError, err)
			return
		}
	}

	if !s.emit(ctx, Event{Kind: EventItem, File: f}) {
		return
	}
	n := s.metrics.Emitted.Add(1)
	if n%256 == 0 {
		s.emit(ctx, Event{Kind: EventProgress, N: n})
	}
}

// resolveFile maps a directory entry onto a persistent File. Returns
// (nil, false, nil) when the file is unchanged in incremental mode.
func (s *Scanner) resolveFile(e entryInfo, id types.Identity) (*types.File, bool, error) {
	now := time.Now().UTC()

	if s.opts.Incremental && s.catalog != nil {
		prev, err := s.catalog.FindByIdentity(id.Dev, id.Ino)
		if err != nil {
			return nil, false, err
		}
		if prev == nil {
			prev, err = s.catalog.FindByPath(e.path)
			if err != nil {
				return nil, false, err
			}
		}
		if prev != nil {
			changed := prev.Size != e.info.Size() || !prev.ModTime.Equal(e.info.ModTime())
			if !changed && prev.Path == e.path {
				return nil, false, nil // silently skipped, counted in metrics
			}
			prev.Path = e.path
			prev.Handle = e.path
			prev.Kind = types.KindForPath(e.path)
			prev.Size = e.info.Size()
			prev.ModTime = e.info.ModTime()
			prev.Identity = id
			prev.LastScanned = now
			prev.Trashed = false
			if changed {
				prev.Checksum = nil
				prev.NeedsMetadata = true
				prev.NeedsSignature = true
			}
			return prev, changed, nil
		}
	}

	return &types.File{
		ID:             types.NewFileID(),
		Path:           e.path,
		Handle:         e.path,
		Kind:           types.KindForPath(e.path),
		Size:           e.info.Size(),
		CreatedAt:      createdAt(e.info),
		ModTime:        e.info.ModTime(),
		Identity:       id,
		LastScanned:    now,
		NeedsMetadata:  true,
		NeedsSignature: true,
	}, false, nil
}

// excluded matches a path against the exclude patterns. Patterns apply to
// the base name and to every suffix of the root-relative path.
func (s *Scanner) excluded(root, path string) bool {
	if len(s.opts.Excludes) == 0 {
		return false
	}
	base := filepath.Base(path)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range s.opts.Excludes {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// Subpath suffixes: match the pattern against every trailing
		// segment sequence of the relative path.
		segs := strings.Split(rel, "/")
		for i := 1; i < len(segs); i++ {
			if ok, _ := doublestar.Match(pattern, strings.Join(segs[i:], "/")); ok {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scanner) emitError(ctx context.Context, path, code string, kind types.ErrorKind, err error) {
	s.metrics.Errors.Add(1)
	s.emit(ctx, Event{
		Kind: EventError,
		Path: path,
		Err: types.NewError(kind, "scanner", code,
			fmt.Sprintf("cannot read %s", types.ShortPath(path)), err),
	})
}

// emitListError classifies a directory listing error.
func (s *Scanner) emitListError(ctx context.Context, dir string, err error) {
	code := "io_error"
	if os.IsPermission(err) {
		code = "access_denied"
	}
	s.emitError(ctx, dir, code, types.EnvironmentError, err)
}
