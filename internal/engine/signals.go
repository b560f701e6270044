package engine

import (
	"bytes"
	"fmt"
	"math"

	"github.com/hbollon/go-edlib"

	"github.com/dupekit/dupekit/internal/imagehash"
	"github.com/dupekit/dupekit/internal/types"
)

// Weights are the per-signal weights of the comparator. An all-zero
// Weights value falls back to the defaults.
type Weights struct {
	Checksum    float64
	Hash        float64
	Metadata    float64
	Name        float64
	CaptureTime float64
}

// DefaultWeights mirror the detection design defaults.
var DefaultWeights = Weights{
	Checksum:    0.40,
	Hash:        0.30,
	Metadata:    0.15,
	Name:        0.10,
	CaptureTime: 0.05,
}

func (w Weights) orDefault() Weights {
	if w == (Weights{}) {
		return DefaultWeights
	}
	return w
}

const (
	captureTimeMax = 120.0 // seconds; T_max of the captureTime signal

	penaltyMissingSignature = 0.10
	penaltyDurationMismatch = 0.20

	bonusRawJpeg   = 0.05
	bonusLivePhoto = 0.03
	bonusSidecar   = 0.02
)

// asset bundles everything the comparator knows about one file.
type asset struct {
	file     *types.File
	meta     *types.MediaMetadata
	dhash    *types.ImageSignature
	phash    *types.ImageSignature
	videoSig *types.VideoSignature
}

// pairScore is the full comparison evidence for one ordered pair.
type pairScore struct {
	aggregate float64
	hamming   int // dHash distance, -1 where not applicable
	nameSim   float64
	signals   []types.SignalContribution
	penalties []types.SignalContribution
}

// scorePair computes the multi-signal score for a pair. Pure with respect
// to its inputs; iteration order is fixed so the evidence list is stable.
func (e *Engine) scorePair(a, b *asset) pairScore {
	w := e.opts.Weights.orDefault()
	d := e.opts.ImageDistanceThreshold
	if d <= 0 {
		d = 5
	}

	var ps pairScore
	ps.hamming = -1
	var weightSum, contribSum float64

	record := func(key string, weight, raw float64, rationale string) {
		contribution := weight * raw
		weightSum += weight
		contribSum += contribution
		ps.signals = append(ps.signals, types.SignalContribution{
			Key: key, Weight: weight, Raw: raw,
			Contribution: contribution, Rationale: rationale,
		})
	}
	penalize := func(key string, amount float64, rationale string) {
		ps.penalties = append(ps.penalties, types.SignalContribution{
			Key: key, Weight: amount, Raw: -amount,
			Contribution: -amount, Rationale: rationale,
		})
	}

	// checksum. Unequal checksums are recorded for the evidence view but
	// excluded from normalization: different bytes is the expected state
	// for near-duplicates, not evidence against them.
	if len(a.file.Checksum) > 0 && len(b.file.Checksum) > 0 {
		if bytes.Equal(a.file.Checksum, b.file.Checksum) {
			record("checksum", w.Checksum, 1.0, "sha-256 equal")
		} else {
			ps.signals = append(ps.signals, types.SignalContribution{
				Key: "checksum", Weight: 0, Raw: 0,
				Rationale: "sha-256 differs",
			})
		}
	}

	// hash
	switch {
	case a.file.Kind == types.KindPhoto && b.file.Kind == types.KindPhoto:
		if a.dhash != nil && b.dhash != nil {
			dist := imagehash.Hamming(a.dhash.Hash, b.dhash.Hash)
			ps.hamming = dist
			raw := 1 - math.Min(float64(dist), float64(d))/float64(d)
			record("hash", w.Hash, raw, fmt.Sprintf("dhash distance %d", dist))
		} else {
			penalize("hash", penaltyMissingSignature, "missing image signature")
		}
	case a.file.Kind == types.KindVideo && b.file.Kind == types.KindVideo:
		if a.videoSig != nil && b.videoSig != nil {
			mean := imagehash.MeanFrameDistance(a.videoSig.FrameHashes, b.videoSig.FrameHashes)
			if mean >= 0 {
				raw := 1 - math.Min(mean, float64(d))/float64(d)
				record("hash", w.Hash, raw, fmt.Sprintf("mean frame distance %.1f", mean))
			} else {
				penalize("hash", penaltyMissingSignature, "no comparable frames")
			}
			// Duration tolerance: max(2 s, 2% of the longer duration).
			longer := math.Max(a.videoSig.Duration, b.videoSig.Duration)
			tolerance := math.Max(2, 0.02*longer)
			if delta := math.Abs(a.videoSig.Duration - b.videoSig.Duration); delta > tolerance {
				penalize("duration", penaltyDurationMismatch,
					fmt.Sprintf("duration delta %.1fs beyond tolerance %.1fs", delta, tolerance))
			}
		} else {
			penalize("hash", penaltyMissingSignature, "missing video signature")
		}
	}

	// metadata
	if raw, rationale, ok := metadataSimilarity(a.meta, b.meta); ok {
		record("metadata", w.Metadata, raw, rationale)
	}

	// name
	sim := nameSimilarity(a.file.Stem(), b.file.Stem())
	ps.nameSim = sim
	record("name", w.Name, sim, "jaro-winkler on stems")

	// captureTime
	if a.meta != nil && b.meta != nil && a.meta.CaptureTime != nil && b.meta.CaptureTime != nil {
		delta := math.Abs(a.meta.CaptureTime.Sub(*b.meta.CaptureTime).Seconds())
		raw := math.Max(0, 1-delta/captureTimeMax)
		record("captureTime", w.CaptureTime, raw, fmt.Sprintf("capture delta %.0fs", delta))
	}

	if weightSum > 0 {
		ps.aggregate = contribSum / weightSum
	}
	for _, p := range ps.penalties {
		ps.aggregate += p.Contribution
	}
	if ps.aggregate < 0 {
		ps.aggregate = 0
	}
	return ps
}

// metadataSimilarity scores bounded similarity across dimensions, capture
// date, GPS, and camera model. ok is false when either side has no
// metadata.
func metadataSimilarity(a, b *types.MediaMetadata) (float64, string, bool) {
	if a == nil || b == nil {
		return 0, "", false
	}

	var parts int
	var sum float64

	if a.Width > 0 && b.Width > 0 {
		parts++
		switch {
		case a.Width == b.Width && a.Height == b.Height:
			sum += 1
		case dimsNear(a.Width, b.Width) && dimsNear(a.Height, b.Height):
			sum += 0.5
		}
	}

	if a.CaptureTime != nil && b.CaptureTime != nil {
		parts++
		delta := math.Abs(a.CaptureTime.Sub(*b.CaptureTime).Seconds())
		switch {
		case delta < 30:
			sum += 1
		case delta < 120:
			sum += 0.5
		}
	}

	if a.Latitude != nil && b.Latitude != nil {
		parts++
		meters := gpsDistanceMeters(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
		switch {
		case meters < 5:
			sum += 1
		case meters < 50:
			sum += 0.5
		}
	}

	// Camera model: equal scores 1, both-unknown scores 0.5, different 0.
	parts++
	switch {
	case a.CameraModel != "" && a.CameraModel == b.CameraModel:
		sum += 1
	case a.CameraModel == "" && b.CameraModel == "":
		sum += 0.5
	}

	raw := sum / float64(parts)
	return raw, fmt.Sprintf("%d metadata dimensions compared", parts), true
}

// dimsNear allows one 16-px snap of slack.
func dimsNear(a, b int) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 16
}

// gpsDistanceMeters is the equirectangular approximation, adequate for
// the sub-50 m thresholds in use.
func gpsDistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	x := (lon2 - lon1) * rad * math.Cos((lat1+lat2)/2*rad)
	y := (lat2 - lat1) * rad
	return math.Sqrt(x*x+y*y) * earthRadius
}

// nameSimilarity is Jaro-Winkler over filename stems.
func nameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	sim, err := edlib.StringsSimilarity(a, b, edlib.JaroWinkler)
	if err != nil {
		return 0
	}
	return float64(sim)
}
