// Package bucketer reduces all-pairs comparison to bounded work per bucket.
//
// # Overview
//
// The bucketer is the screening stage of the detection pipeline. Each file
// contributes composite bucket keys derived from coarse, cheap signals
// (size and duration bands, snapped dimensions, filename stems), one per
// band and its upper neighbor; only files sharing a key are ever compared
// pairwise. Files sharing a content
// checksum additionally form exact buckets.
//
// # Determinism
//
// Bucket membership is sorted by file id at construction, and the bucket
// list is sorted by key string. Oversized buckets split on a secondary
// signal (capture-date proximity for photos, file size for videos); a
// bucket that is still oversized is emitted with Incomplete set and is
// skipped by comparison, recorded as a partial bucket.
package bucketer

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dupekit/dupekit/internal/types"
)

// Asset pairs a file with its extracted metadata for bucketing.
type Asset struct {
	File *types.File
	Meta *types.MediaMetadata
}

// Options tunes bucket construction.
type Options struct {
	// MaxBucketSize caps members per bucket before splitting.
	MaxBucketSize int
}

// DefaultMaxBucketSize is used when Options.MaxBucketSize is zero.
const DefaultMaxBucketSize = 200

// Bucket is one candidate bucket.
type Bucket struct {
	Kind       types.MediaKind
	Key        string // banded composite signature
	Heuristic  string
	FileIDs    []types.FileID // sorted
	Incomplete bool
}

// EstComparisons returns the pairwise comparison count for the bucket.
func (b *Bucket) EstComparisons() int {
	n := len(b.FileIDs)
	return n * (n - 1) / 2
}

// Stats summarizes one bucketing pass.
type Stats struct {
	Buckets        int
	PartialBuckets int
	Splits         int
	EstComparisons int
}

func (s Stats) String() string {
	return fmt.Sprintf("Built %d buckets (%d partial, %d splits), ~%d comparisons",
		s.Buckets, s.PartialBuckets, s.Splits, s.EstComparisons)
}

// Build groups assets into candidate buckets. The result is fully
// deterministic for a given asset set.
func Build(assets []Asset, opts Options) ([]*Bucket, Stats) {
	maxSize := opts.MaxBucketSize
	if maxSize <= 0 {
		maxSize = DefaultMaxBucketSize
	}

	byID := make(map[types.FileID]Asset, len(assets))
	byKey := make(map[string][]types.FileID)
	heuristics := make(map[string]string)
	kinds := make(map[string]types.MediaKind)

	add := func(key, heuristic string, kind types.MediaKind, id types.FileID) {
		byKey[key] = append(byKey[key], id)
		heuristics[key] = heuristic
		kinds[key] = kind
	}

	for _, a := range assets {
		byID[a.File.ID] = a
		switch a.File.Kind {
		case types.KindPhoto:
			for _, k := range photoKeys(a) {
				add(k, "photo_size_dims_stem", types.KindPhoto, a.File.ID)
			}
			// Renames defeat the stem component, so photos with known
			// geometry also join stemless buckets. The engine
			// deduplicates pairs that appear in both.
			for _, k := range photoDimsKeys(a) {
				add(k, "photo_size_dims", types.KindPhoto, a.File.ID)
			}
		case types.KindVideo:
			for _, k := range videoKeys(a) {
				add(k, "video_duration_tier", types.KindVideo, a.File.ID)
			}
		case types.KindAudio:
			for _, k := range audioKeys(a) {
				add(k, "audio_coarse", types.KindAudio, a.File.ID)
			}
		}
		// Exact-checksum bucket, independent of media kind.
		if len(a.File.Checksum) > 0 {
			key := "checksum:" + hex.EncodeToString(a.File.Checksum)
			add(key, "checksum", a.File.Kind, a.File.ID)
		}
	}

	mergeSuperBuckets(byKey, heuristics, kinds, byID)

	var stats Stats
	var out []*Bucket
	for key, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		b := &Bucket{
			Kind:      kinds[key],
			Key:       key,
			Heuristic: heuristics[key],
			FileIDs:   types.SortFileIDs(ids),
		}
		if len(b.FileIDs) > maxSize {
			split := splitBucket(b, byID)
			stats.Splits++
			for _, sb := range split {
				if len(sb.FileIDs) < 2 {
					continue
				}
				if len(sb.FileIDs) > maxSize {
					sb.Incomplete = true
					stats.PartialBuckets++
				}
				out = append(out, sb)
			}
			continue
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	for _, b := range out {
		stats.Buckets++
		if !b.Incomplete {
			stats.EstComparisons += b.EstComparisons()
		}
	}
	return out, stats
}

// band quantizes v onto a logarithmic grid with the given relative width.
func band(v float64, pct float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(math.Floor(math.Log(v) / math.Log(1+pct)))
}

// bands returns the band of v and its upper neighbor. Two values within
// pct of each other have band indices differing by at most one, so
// emitting both guarantees such a pair shares at least one band even when
// it straddles a band boundary.
func bands(v float64, pct float64) [2]int64 {
	b := band(v, pct)
	return [2]int64{b, b + 1}
}

// snap16 snaps a pixel dimension to its 16-px block.
func snap16(v int) int { return v / 16 }

// stemPrefix returns the first 4 alphanumerics of the lowercased stem.
func stemPrefix(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == 4 {
				break
			}
		} else if r >= 'A' && r <= 'Z' {
			b.WriteRune(r + ('a' - 'A'))
			if b.Len() == 4 {
				break
			}
		}
	}
	return b.String()
}

// keyDigest shortens a composite key body to a stable digest string.
func keyDigest(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func photoKeys(a Asset) []string {
	w, h := 0, 0
	if a.Meta != nil {
		w, h = a.Meta.Width, a.Meta.Height
	}
	stem := stemPrefix(a.File.Stem())
	var keys []string
	for _, sb := range bands(float64(a.File.Size), 0.01) {
		body := fmt.Sprintf("s%d:d%dx%d:t%s", sb, snap16(w), snap16(h), stem)
		keys = append(keys, "photo:"+keyDigest(body))
	}
	return keys
}

// photoDimsKeys keys a photo by size band and snapped dimensions alone.
// Empty when geometry is unknown.
func photoDimsKeys(a Asset) []string {
	if a.Meta == nil || a.Meta.Width == 0 || a.Meta.Height == 0 {
		return nil
	}
	var keys []string
	for _, sb := range bands(float64(a.File.Size), 0.01) {
		body := fmt.Sprintf("s%d:d%dx%d", sb, snap16(a.Meta.Width), snap16(a.Meta.Height))
		keys = append(keys, "photo-dims:"+keyDigest(body))
	}
	return keys
}

// photoExactKey keys a photo by exact dims+size, the super-bucket merge
// criterion for buckets differing only by stem.
func photoExactKey(a Asset) string {
	w, h := 0, 0
	if a.Meta != nil {
		w, h = a.Meta.Width, a.Meta.Height
	}
	if w == 0 || h == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%dx%d", a.File.Size, w, h)
}

func videoKeys(a Asset) []string {
	var dur float64
	h := 0
	if a.Meta != nil {
		if a.Meta.Duration != nil {
			dur = *a.Meta.Duration
		}
		h = a.Meta.Height
	}
	tier := resolutionTier(h)
	var keys []string
	for _, db := range bands(dur, 0.02) {
		body := fmt.Sprintf("u%d:r%s", db, tier)
		keys = append(keys, "video:"+keyDigest(body))
	}
	return keys
}

func audioKeys(a Asset) []string {
	var dur float64
	if a.Meta != nil && a.Meta.Duration != nil {
		dur = *a.Meta.Duration
	}
	stem := stemPrefix(a.File.Stem())
	var keys []string
	for _, db := range bands(dur, 0.01) {
		for _, sb := range bands(float64(a.File.Size), 0.01) {
			body := fmt.Sprintf("u%d:s%d:t%s", db, sb, stem)
			keys = append(keys, "audio:"+keyDigest(body))
		}
	}
	return keys
}

// AudioSignature is the coarse audio signature derived at bucket time; it
// is never persisted. Used only to reduce candidate space.
func AudioSignature(a Asset) string {
	return audioKeys(a)[0]
}

func resolutionTier(height int) string {
	switch {
	case height >= 2160:
		return "UHD"
	case height >= 1440:
		return "QHD"
	case height >= 1080:
		return "FHD"
	case height >= 720:
		return "HD"
	default:
		return "SD"
	}
}

// mergeSuperBuckets merges photo buckets that differ only by stem when
// dims+size match exactly. Matching members move into a super-bucket keyed
// by the exact signature; their original stem buckets shrink accordingly.
func mergeSuperBuckets(byKey map[string][]types.FileID, heuristics map[string]string, kinds map[string]types.MediaKind, byID map[types.FileID]Asset) {
	exact := make(map[string]map[types.FileID]bool)
	owners := make(map[types.FileID]map[string]bool)
	for key, ids := range byKey {
		if !strings.HasPrefix(key, "photo:") {
			continue
		}
		for _, id := range ids {
			ek := photoExactKey(byID[id])
			if ek == "" {
				continue
			}
			if exact[ek] == nil {
				exact[ek] = make(map[types.FileID]bool)
			}
			exact[ek][id] = true
			if owners[id] == nil {
				owners[id] = make(map[string]bool)
			}
			owners[id][key] = true
		}
	}

	for ek, members := range exact {
		if !spansStems(members, byID) {
			continue
		}
		super := "photo-super:" + keyDigest(ek)
		for id := range members {
			for key := range owners[id] {
				byKey[key] = removeID(byKey[key], id)
				if len(byKey[key]) == 0 {
					delete(byKey, key)
				}
			}
			byKey[super] = append(byKey[super], id)
		}
		heuristics[super] = "photo_exact_super"
		kinds[super] = types.KindPhoto
	}
}

// spansStems reports whether an exact dims+size class covers more than
// one stem prefix, the condition for a super-bucket merge.
func spansStems(members map[types.FileID]bool, byID map[types.FileID]Asset) bool {
	if len(members) < 2 {
		return false
	}
	stems := make(map[string]bool)
	for id := range members {
		stems[stemPrefix(byID[id].File.Stem())] = true
	}
	return len(stems) >= 2
}

func removeID(ids []types.FileID, id types.FileID) []types.FileID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// splitBucket splits an oversized bucket on a secondary signal: photos by
// capture-date proximity windows, videos by size band, audio by size band.
func splitBucket(b *Bucket, byID map[types.FileID]Asset) []*Bucket {
	sub := make(map[string][]types.FileID)
	for _, id := range b.FileIDs {
		a := byID[id]
		var tag string
		switch b.Kind {
		case types.KindPhoto:
			tag = captureWindow(a)
		default:
			tag = fmt.Sprintf("s%d", band(float64(a.File.Size), 0.01))
		}
		sub[tag] = append(sub[tag], id)
	}

	var out []*Bucket
	for tag, ids := range sub {
		out = append(out, &Bucket{
			Kind:      b.Kind,
			Key:       b.Key + "/" + tag,
			Heuristic: b.Heuristic + "_split",
			FileIDs:   types.SortFileIDs(ids),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// captureWindow buckets photos into 1-hour capture windows.
func captureWindow(a Asset) string {
	if a.Meta == nil || a.Meta.CaptureTime == nil {
		return "w-none"
	}
	return "w" + a.Meta.CaptureTime.UTC().Truncate(time.Hour).Format("2006010215")
}
