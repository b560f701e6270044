package engine

import (
	"testing"
	"time"

	"github.com/dupekit/dupekit/internal/types"
)

func photoAsset(path string, checksum []byte, dhash *uint64) *asset {
	f := &types.File{ID: types.NewFileID(), Path: path, Kind: types.KindPhoto, Size: 1000, Checksum: checksum}
	a := &asset{file: f, meta: &types.MediaMetadata{FileID: f.ID, Width: 1920, Height: 1080}}
	if dhash != nil {
		a.dhash = &types.ImageSignature{FileID: f.ID, Algorithm: types.AlgDHash, Hash: *dhash}
	}
	return a
}

func testEngine(opts Options) *Engine {
	return New(nil, nil, opts, Hooks{})
}

func TestScorePairIdenticalHashes(t *testing.T) {
	e := testEngine(Options{})
	h := uint64(0xabcdef)
	a := photoAsset("/p/a.jpg", nil, &h)
	b := photoAsset("/p/b.jpg", nil, &h)

	ps := e.scorePair(a, b)
	if ps.hamming != 0 {
		t.Errorf("hamming = %d, want 0", ps.hamming)
	}
	found := false
	for _, s := range ps.signals {
		if s.Key == "hash" && s.Raw != 1.0 {
			t.Errorf("hash raw = %v, want 1.0", s.Raw)
		}
		if s.Key == "hash" {
			found = true
		}
	}
	if !found {
		t.Fatal("no hash signal recorded")
	}
}

func TestScorePairHashDistanceNormalization(t *testing.T) {
	e := testEngine(Options{ImageDistanceThreshold: 5})
	base := uint64(0xff00ff00)

	for _, tc := range []struct {
		bits int
		raw  float64
	}{
		{1, 0.8}, {3, 0.4}, {5, 0.0}, {10, 0.0},
	} {
		var mask uint64
		for i := 0; i < tc.bits; i++ {
			mask |= 1 << uint(i)
		}
		h1, h2 := base, base^mask
		a := photoAsset("/p/a.jpg", nil, &h1)
		b := photoAsset("/p/b.jpg", nil, &h2)
		ps := e.scorePair(a, b)
		for _, s := range ps.signals {
			if s.Key == "hash" && !almost(s.Raw, tc.raw) {
				t.Errorf("distance %d: hash raw = %v, want %v", tc.bits, s.Raw, tc.raw)
			}
		}
	}
}

func TestScorePairMissingSignaturePenalty(t *testing.T) {
	e := testEngine(Options{})
	h := uint64(1)
	a := photoAsset("/p/a.jpg", nil, &h)
	b := photoAsset("/p/b.jpg", nil, nil) // no signature

	ps := e.scorePair(a, b)
	found := false
	for _, p := range ps.penalties {
		if p.Key == "hash" && almost(p.Contribution, -penaltyMissingSignature) {
			found = true
		}
	}
	if !found {
		t.Errorf("missing signature penalty absent: %+v", ps.penalties)
	}
	if ps.hamming != -1 {
		t.Errorf("hamming = %d, want -1 for missing signature", ps.hamming)
	}
}

func TestScorePairChecksumEqualDominates(t *testing.T) {
	e := testEngine(Options{})
	sumv := sum("same bytes")
	h := uint64(7)
	a := photoAsset("/p/a.jpg", sumv, &h)
	b := photoAsset("/p/b.jpg", sumv, &h)

	ps := e.scorePair(a, b)
	if ps.aggregate < 0.85 {
		t.Errorf("aggregate = %v for equal checksum and hash", ps.aggregate)
	}
}

func TestScorePairAggregateInBounds(t *testing.T) {
	e := testEngine(Options{})
	h1, h2 := uint64(0), ^uint64(0)
	a := photoAsset("/p/a.jpg", sum("x"), &h1)
	b := photoAsset("/q/zzz.jpg", sum("y"), &h2)

	ps := e.scorePair(a, b)
	if ps.aggregate < 0 || ps.aggregate > 1 {
		t.Errorf("aggregate %v out of [0, 1]", ps.aggregate)
	}
}

func TestCaptureTimeSignal(t *testing.T) {
	e := testEngine(Options{})
	a := photoAsset("/p/a.jpg", nil, nil)
	b := photoAsset("/p/b.jpg", nil, nil)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(60 * time.Second)
	a.meta.CaptureTime = &t0
	b.meta.CaptureTime = &t1

	ps := e.scorePair(a, b)
	for _, s := range ps.signals {
		if s.Key == "captureTime" && !almost(s.Raw, 0.5) {
			t.Errorf("captureTime raw = %v, want 0.5 at 60s delta", s.Raw)
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	if nameSimilarity("img_1234", "img_1234") != 1.0 {
		t.Error("identical stems should score 1.0")
	}
	if sim := nameSimilarity("img_1234", "vacation"); sim > 0.6 {
		t.Errorf("unrelated stems scored %v", sim)
	}
	if nameSimilarity("", "anything") != 0 {
		t.Error("empty stem should score 0")
	}
}

func TestMetadataSimilarityGPS(t *testing.T) {
	lat1, lon1 := 48.858844, 2.294351
	// ~30 m east.
	lat2, lon2 := 48.858844, 2.294760
	ct := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := &types.MediaMetadata{Width: 100, Height: 100, Latitude: &lat1, Longitude: &lon1, CaptureTime: &ct}
	b := &types.MediaMetadata{Width: 100, Height: 100, Latitude: &lat2, Longitude: &lon2, CaptureTime: &ct}

	raw, _, ok := metadataSimilarity(a, b)
	if !ok {
		t.Fatal("metadata signal unavailable")
	}
	// dims 1 + capture 1 + gps 0.5 + camera 0.5 over 4 parts.
	if !almost(raw, 0.75) {
		t.Errorf("metadata raw = %v, want 0.75", raw)
	}
}

func almost(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
