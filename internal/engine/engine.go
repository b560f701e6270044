// Package engine turns candidate buckets into duplicate groups with
// per-edge evidence.
//
// # Pipeline
//
//	load assets → lazy checksums → buckets → pairwise scoring → policy
//	collapse → union-find → groups with keeper evidence
//
// # Determinism
//
// For a given file set, options, and persisted state, the emitted group
// set and each group's member ordering are stable: buckets iterate in key
// order, pairs in sorted id order, and union-find roots are canonical by
// smallest member id. Grouping runs single-threaded; only file I/O
// (checksums) fans out.
//
// # Budgets
//
// Each bucket stops comparing at MaxComparisonsPerBucket, and the whole
// call stops starting new buckets once TimeBudget is exhausted or the
// context is cancelled. Groups touched by a truncated bucket are marked
// incomplete; their confidence is a lower bound.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dupekit/dupekit/internal/bktree"
	"github.com/dupekit/dupekit/internal/bucketer"
	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/merge"
	"github.com/dupekit/dupekit/internal/sigcache"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/types"
)

// Options tunes one buildGroups call. Toggles are read once per call.
type Options struct {
	Weights                 Weights
	ImageDistanceThreshold  int     // D of the hash signal; default 5
	ConfidenceDuplicate     float64 // default 0.85
	ConfidenceSimilar       float64 // default 0.60
	MaxBucketSize           int
	MaxComparisonsPerBucket int           // default 20000
	TimeBudget              time.Duration // 0 = unlimited
	UseBKTree               bool
	LinkRawJpeg             bool
	LinkLivePhoto           bool
	LinkSidecar             bool
}

func (o Options) withDefaults() Options {
	if o.ImageDistanceThreshold <= 0 {
		o.ImageDistanceThreshold = 5
	}
	if o.ConfidenceDuplicate == 0 {
		o.ConfidenceDuplicate = 0.85
	}
	if o.ConfidenceSimilar == 0 {
		o.ConfidenceSimilar = 0.60
	}
	if o.MaxComparisonsPerBucket <= 0 {
		o.MaxComparisonsPerBucket = 20000
	}
	return o
}

// Hooks are backend-free instrumentation points. Nil funcs are no-ops.
type Hooks struct {
	Counter func(name string, delta int64)
	Timer   func(name string, elapsed time.Duration)
}

func (h Hooks) Count(name string, delta int64) {
	if h.Counter != nil {
		h.Counter(name, delta)
	}
}

func (h Hooks) Time(name string, elapsed time.Duration) {
	if h.Timer != nil {
		h.Timer(name, elapsed)
	}
}

// Engine builds duplicate groups over the persistent store.
type Engine struct {
	store *store.Store
	cache *sigcache.Cache // optional range-hash cache
	opts  Options
	hooks Hooks
}

// New creates an Engine. cache may be nil.
func New(st *store.Store, cache *sigcache.Cache, opts Options, hooks Hooks) *Engine {
	return &Engine{store: st, cache: cache, opts: opts.withDefaults(), hooks: hooks}
}

// BuildCandidates groups the given files into candidate buckets.
func (e *Engine) BuildCandidates(fileIDs []types.FileID) ([]*bucketer.Bucket, error) {
	assets, err := e.loadAssets(fileIDs)
	if err != nil {
		return nil, err
	}
	return e.bucketsOf(assets), nil
}

// Scope selects the preview universe for PreviewCandidates.
type Scope struct {
	All       bool
	Subset    []types.FileID
	Folder    string
	BucketKey string
}

// PreviewCandidates resolves a scope against the store and returns its
// candidate buckets without persisting anything.
func (e *Engine) PreviewCandidates(scope Scope) ([]*bucketer.Bucket, error) {
	var ids []types.FileID
	var err error
	switch {
	case scope.All || scope.BucketKey != "":
		ids, err = e.store.AllFileIDs()
	case scope.Folder != "":
		ids, err = e.store.FileIDsUnderPath(scope.Folder)
	default:
		ids = scope.Subset
	}
	if err != nil {
		return nil, err
	}
	buckets, err := e.BuildCandidates(ids)
	if err != nil {
		return nil, err
	}
	if scope.BucketKey != "" {
		var filtered []*bucketer.Bucket
		for _, b := range buckets {
			if b.Key == scope.BucketKey {
				filtered = append(filtered, b)
			}
		}
		buckets = filtered
	}
	return buckets, nil
}

// pairKey is the canonical unordered pair key.
type pairKey struct{ a, b string }

func keyOf(x, y types.FileID) pairKey {
	xs, ys := x.String(), y.String()
	if ys < xs {
		xs, ys = ys, xs
	}
	return pairKey{xs, ys}
}

// edge is one scored relation between two files.
type edge struct {
	a, b  types.FileID
	score pairScore
}

// BuildGroups runs the detection pipeline over the given files and
// persists the resulting open groups. The returned results mirror what
// was persisted.
func (e *Engine) BuildGroups(ctx context.Context, fileIDs []types.FileID) ([]store.GroupResult, error) {
	started := time.Now()
	defer func() { e.hooks.Time("build_groups", time.Since(started)) }()

	assets, err := e.loadAssets(fileIDs)
	if err != nil {
		return nil, err
	}

	var ignored map[types.IgnorePair]bool
	if e.store != nil {
		ignored, err = e.store.IgnorePairs()
		if err != nil {
			return nil, err
		}
	}

	e.ensureChecksums(ctx, assets)
	buckets := e.bucketsOf(assets)

	deadline := time.Time{}
	if e.opts.TimeBudget > 0 {
		deadline = started.Add(e.opts.TimeBudget)
	}

	edges := make(map[pairKey]*edge)
	incompleteIDs := make(map[types.FileID]bool)
	truncated := false

	for _, bucket := range buckets {
		if ctx.Err() != nil || (!deadline.IsZero() && time.Now().After(deadline)) {
			truncated = true
		}
		if truncated || bucket.Incomplete {
			// Skipped buckets leave their members' groups incomplete.
			for _, id := range bucket.FileIDs {
				incompleteIDs[id] = true
			}
			if bucket.Incomplete {
				e.hooks.Count("partial_buckets", 1)
			}
			continue
		}
		e.compareBucket(bucket, assets, ignored, edges, incompleteIDs)
	}

	// Policy collapse may add edges between related-asset pairs.
	for _, link := range e.collapsePolicies(assets) {
		k := keyOf(link.a, link.b)
		if ignored[types.IgnorePair{A: link.a, B: link.b}.Canonical()] {
			continue
		}
		ps, ok := edgeScore(edges, k)
		if !ok {
			ps = e.scorePair(assets[link.a], assets[link.b])
		}
		ps.aggregate += link.bonus
		if ps.aggregate > 1 {
			ps.aggregate = 1
		}
		ps.signals = append(ps.signals, types.SignalContribution{
			Key: link.kind, Weight: link.bonus, Raw: 1,
			Contribution: link.bonus, Rationale: "related-asset link",
		})
		edges[k] = &edge{a: link.a, b: link.b, score: ps}
		e.hooks.Count("policy_links", 1)
	}

	// Union-find over all emitted edges.
	uf := newUnionFind()
	for _, ed := range edges {
		uf.union(ed.a, ed.b)
	}

	results := e.emitGroups(uf.components(), assets, edges, incompleteIDs)

	if e.store != nil {
		if err := e.store.ReplaceOpenGroups(fileIDs, results); err != nil {
			return nil, err
		}
	}
	logger.Info("built groups",
		"files", len(fileIDs), "buckets", len(buckets),
		"edges", len(edges), "groups", len(results),
		"elapsed", time.Since(started).Truncate(time.Millisecond))
	return results, nil
}

func edgeScore(edges map[pairKey]*edge, k pairKey) (pairScore, bool) {
	if ed, ok := edges[k]; ok {
		return ed.score, true
	}
	return pairScore{}, false
}

// compareBucket scores ordered pairs within one bucket.
func (e *Engine) compareBucket(bucket *bucketer.Bucket, assets map[types.FileID]*asset,
	ignored map[types.IgnorePair]bool, edges map[pairKey]*edge, incompleteIDs map[types.FileID]bool) {

	// Exact-checksum buckets are equality classes: every pair gets a
	// checksum edge at confidence 1.0 without scoring.
	if bucket.Heuristic == "checksum" {
		for i := 0; i < len(bucket.FileIDs); i++ {
			for j := i + 1; j < len(bucket.FileIDs); j++ {
				a, b := assets[bucket.FileIDs[i]], assets[bucket.FileIDs[j]]
				if a == nil || b == nil {
					continue
				}
				if ignored[types.IgnorePair{A: a.file.ID, B: b.file.ID}.Canonical()] {
					e.hooks.Count("comparisons_ignored", 1)
					continue
				}
				k := keyOf(a.file.ID, b.file.ID)
				edges[k] = &edge{a: a.file.ID, b: b.file.ID, score: pairScore{
					aggregate: 1.0,
					hamming:   0,
					nameSim:   nameSimilarity(a.file.Stem(), b.file.Stem()),
					signals: []types.SignalContribution{{
						Key: "checksum", Weight: 1, Raw: 1, Contribution: 1,
						Rationale: "sha-256 equal",
					}},
				}}
				e.hooks.Count("comparisons", 1)
			}
		}
		return
	}

	// BK-tree path: on large photo buckets, restrict candidate pairs to
	// hash-near neighbors. The tree query is exactly equivalent to a
	// linear distance scan, so the same neighbor set falls out either
	// way; small buckets take the plain pairwise path.
	if e.opts.UseBKTree && bucket.Kind == types.KindPhoto && len(bucket.FileIDs) > 64 {
		e.compareBucketTree(bucket, assets, ignored, edges, incompleteIDs)
		return
	}

	comparisons := 0
	for i := 0; i < len(bucket.FileIDs); i++ {
		for j := i + 1; j < len(bucket.FileIDs); j++ {
			a, b := assets[bucket.FileIDs[i]], assets[bucket.FileIDs[j]]
			if a == nil || b == nil {
				continue
			}
			k := keyOf(a.file.ID, b.file.ID)
			if _, done := edges[k]; done {
				continue
			}
			if ignored[types.IgnorePair{A: a.file.ID, B: b.file.ID}.Canonical()] {
				e.hooks.Count("comparisons_ignored", 1)
				continue
			}
			if comparisons >= e.opts.MaxComparisonsPerBucket {
				bucket.Incomplete = true
				for _, id := range bucket.FileIDs {
					incompleteIDs[id] = true
				}
				e.hooks.Count("partial_buckets", 1)
				return
			}
			comparisons++
			e.hooks.Count("comparisons", 1)

			ps := e.scorePair(a, b)
			if ps.aggregate >= e.opts.ConfidenceSimilar {
				edges[k] = &edge{a: a.file.ID, b: b.file.ID, score: ps}
			}
		}
	}
}

// compareBucketTree enumerates hash-near pairs through a BK-tree.
func (e *Engine) compareBucketTree(bucket *bucketer.Bucket, assets map[types.FileID]*asset,
	ignored map[types.IgnorePair]bool, edges map[pairKey]*edge, incompleteIDs map[types.FileID]bool) {

	// Hashes can collide across files; keep id lists per hash value.
	byHash := make(map[uint64][]types.FileID)
	var hashes []uint64
	var unhashed []types.FileID
	for _, id := range bucket.FileIDs {
		a := assets[id]
		if a == nil {
			continue
		}
		if a.dhash == nil {
			unhashed = append(unhashed, id)
			continue
		}
		if _, seen := byHash[a.dhash.Hash]; !seen {
			hashes = append(hashes, a.dhash.Hash)
		}
		byHash[a.dhash.Hash] = append(byHash[a.dhash.Hash], id)
	}
	tree := bktree.New(hashes)

	comparisons := 0
	score := func(aID, bID types.FileID) bool {
		k := keyOf(aID, bID)
		if _, done := edges[k]; done {
			return true
		}
		if ignored[types.IgnorePair{A: aID, B: bID}.Canonical()] {
			e.hooks.Count("comparisons_ignored", 1)
			return true
		}
		if comparisons >= e.opts.MaxComparisonsPerBucket {
			bucket.Incomplete = true
			for _, id := range bucket.FileIDs {
				incompleteIDs[id] = true
			}
			e.hooks.Count("partial_buckets", 1)
			return false
		}
		comparisons++
		e.hooks.Count("comparisons", 1)
		ps := e.scorePair(assets[aID], assets[bID])
		if ps.aggregate >= e.opts.ConfidenceSimilar {
			edges[k] = &edge{a: aID, b: bID, score: ps}
		}
		return true
	}

	for _, id := range bucket.FileIDs {
		a := assets[id]
		if a == nil || a.dhash == nil {
			continue
		}
		for _, m := range tree.QueryWithin(a.dhash.Hash, e.opts.ImageDistanceThreshold) {
			for _, other := range byHash[m.Hash] {
				if other == id {
					continue
				}
				if !score(id, other) {
					return
				}
			}
		}
	}

	// Files without a hash still compare pairwise against everything;
	// the missing-signature penalty applies in scoring.
	for _, id := range unhashed {
		for _, other := range bucket.FileIDs {
			if other == id {
				continue
			}
			if !score(id, other) {
				return
			}
		}
	}
}

// emitGroups converts union-find components into persisted group results
// with keeper-relative evidence on every member.
func (e *Engine) emitGroups(components [][]types.FileID, assets map[types.FileID]*asset,
	edges map[pairKey]*edge, incompleteIDs map[types.FileID]bool) []store.GroupResult {

	now := time.Now().UTC()
	var results []store.GroupResult

	for _, members := range components {
		gid := types.DeriveGroupID(members)

		files := make([]*types.File, 0, len(members))
		meta := make(map[types.FileID]*types.MediaMetadata)
		for _, id := range members {
			if a := assets[id]; a != nil {
				files = append(files, a.file)
				if a.meta != nil {
					meta[id] = a.meta
				}
			}
		}
		keeper := merge.SuggestKeeper(files, meta, nil)

		res := store.GroupResult{Group: types.DuplicateGroup{
			ID:        gid,
			CreatedAt: now,
			Status:    types.GroupOpen,
		}}

		var confSum float64
		var confN int
		for _, id := range members {
			m := types.GroupMember{
				GroupID:          gid,
				FileID:           id,
				KeeperSuggestion: id == keeper,
				HammingToKeeper:  -1,
			}
			if id != keeper {
				ps, ok := edgeScore(edges, keyOf(id, keeper))
				if !ok {
					// Transitively connected member: evidence is its
					// direct comparison against the keeper.
					ps = e.scorePair(assets[id], assets[keeper])
				}
				m.HammingToKeeper = ps.hamming
				m.NameToKeeper = ps.nameSim
				m.Signals = ps.signals
				m.Penalties = ps.penalties
				confSum += ps.aggregate
				confN++
			}
			if incompleteIDs[id] {
				res.Group.Incomplete = true
			}
			res.Members = append(res.Members, m)
		}
		if confN > 0 {
			res.Group.Confidence = confSum / float64(confN)
		}
		results = append(results, res)
	}
	return results
}

// Rationale is the evidence view for one group.
type Rationale struct {
	Group   types.DuplicateGroup
	Members []types.GroupMember
	Label   string // "duplicate" or "similar"
}

// Explain loads the persisted evidence for a group.
func (e *Engine) Explain(groupID types.GroupID) (*Rationale, error) {
	res, err := e.store.FetchGroupByID(groupID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, types.NewError(types.UserError, "engine", "unknown_group",
			fmt.Sprintf("no group %s", groupID), nil)
	}
	label := "similar"
	if res.Group.Confidence >= e.opts.ConfidenceDuplicate {
		label = "duplicate"
	}
	return &Rationale{Group: res.Group, Members: res.Members, Label: label}, nil
}

// loadAssets resolves files, metadata, and signatures for the given ids.
func (e *Engine) loadAssets(fileIDs []types.FileID) (map[types.FileID]*asset, error) {
	files, err := e.store.FilesByIDs(fileIDs)
	if err != nil {
		return nil, err
	}
	meta, err := e.store.MetadataByFileIDs(fileIDs)
	if err != nil {
		return nil, err
	}
	imageSigs, err := e.store.ImageSigsByFileIDs(fileIDs)
	if err != nil {
		return nil, err
	}
	videoSigs, err := e.store.VideoSigsByFileIDs(fileIDs)
	if err != nil {
		return nil, err
	}

	assets := make(map[types.FileID]*asset, len(files))
	for _, f := range files {
		if f.Trashed {
			continue
		}
		a := &asset{file: f, meta: meta[f.ID], videoSig: videoSigs[f.ID]}
		for i := range imageSigs[f.ID] {
			sig := imageSigs[f.ID][i]
			switch sig.Algorithm {
			case types.AlgDHash:
				a.dhash = &sig
			case types.AlgPHash:
				a.phash = &sig
			}
		}
		assets[f.ID] = a
	}
	return assets, nil
}

func (e *Engine) bucketsOf(assets map[types.FileID]*asset) []*bucketer.Bucket {
	in := make([]bucketer.Asset, 0, len(assets))
	for _, a := range assets {
		in = append(in, bucketer.Asset{File: a.file, Meta: a.meta})
	}
	buckets, stats := bucketer.Build(in, bucketer.Options{MaxBucketSize: e.opts.MaxBucketSize})
	e.hooks.Count("buckets", int64(stats.Buckets))
	return buckets
}
