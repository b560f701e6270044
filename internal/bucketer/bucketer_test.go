package bucketer

import (
	"crypto/sha256"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/dupekit/dupekit/internal/types"
)

func photoAsset(path string, size int64, w, h int) Asset {
	f := &types.File{ID: types.NewFileID(), Path: path, Kind: types.KindPhoto, Size: size}
	return Asset{File: f, Meta: &types.MediaMetadata{FileID: f.ID, Width: w, Height: h}}
}

func videoAsset(path string, size int64, dur float64, height int) Asset {
	f := &types.File{ID: types.NewFileID(), Path: path, Kind: types.KindVideo, Size: size}
	d := dur
	return Asset{File: f, Meta: &types.MediaMetadata{FileID: f.ID, Height: height, Width: height * 16 / 9, Duration: &d}}
}

func TestPhotoBucketSharedByNearSize(t *testing.T) {
	// 4 MB and 4.01 MB are within 1% of each other, so they share a size
	// band key, and they share snapped dimensions, so the stemless bucket
	// pairs them even though the stems differ.
	a := photoAsset("/p/a.jpg", 4_000_000, 1920, 1080)
	b := photoAsset("/p/a_edit.jpg", 4_010_000, 1920, 1080)

	buckets, _ := Build([]Asset{a, b}, Options{})
	if !anyBucketWith(buckets, a.File.ID, b.File.ID) {
		t.Fatalf("no bucket contains both near-size photos: %+v", bucketKeys(buckets))
	}
}

func TestPhotoBucketStem(t *testing.T) {
	a := photoAsset("/p/IMG_1234.jpg", 1_000_000, 0, 0)
	b := photoAsset("/p/img_1234 (1).jpg", 1_000_500, 0, 0)
	// No geometry, but matching stem prefix and size band.
	buckets, _ := Build([]Asset{a, b}, Options{})
	if !anyBucketWith(buckets, a.File.ID, b.File.ID) {
		t.Fatalf("stem bucket missing: %+v", bucketKeys(buckets))
	}
}

func TestChecksumBucket(t *testing.T) {
	sum := sha256.Sum256([]byte("same bytes"))
	a := photoAsset("/p/x.jpg", 100, 10, 10)
	b := photoAsset("/q/y.jpg", 100, 10, 10)
	a.File.Checksum = sum[:]
	b.File.Checksum = sum[:]

	buckets, _ := Build([]Asset{a, b}, Options{})
	found := false
	for _, bk := range buckets {
		if bk.Heuristic == "checksum" && len(bk.FileIDs) == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no checksum bucket: %+v", bucketKeys(buckets))
	}
}

func TestVideoBucketDurationBand(t *testing.T) {
	// 45.0 s vs 45.3 s is within the ±2% duration band at the same tier.
	a := videoAsset("/v/clipA.mp4", 80_000_000, 45.0, 1080)
	b := videoAsset("/v/clipA_small.mp4", 20_000_000, 45.3, 1080)

	buckets, _ := Build([]Asset{a, b}, Options{})
	if !anyBucketWith(buckets, a.File.ID, b.File.ID) {
		t.Fatalf("video duration bucket missing: %+v", bucketKeys(buckets))
	}
}

func TestSingletonBucketsDropped(t *testing.T) {
	a := photoAsset("/p/alone.jpg", 123, 100, 100)
	buckets, stats := Build([]Asset{a}, Options{})
	if len(buckets) != 0 || stats.Buckets != 0 {
		t.Errorf("singleton produced buckets: %+v", bucketKeys(buckets))
	}
}

func TestDeterministicConstruction(t *testing.T) {
	var assets []Asset
	for i := 0; i < 40; i++ {
		assets = append(assets, photoAsset(fmt.Sprintf("/p/img_%04d.jpg", i%10), 1_000_000, 1920, 1080))
	}
	b1, s1 := Build(assets, Options{})
	b2, s2 := Build(assets, Options{})
	if !reflect.DeepEqual(b1, b2) || s1 != s2 {
		t.Error("bucket construction is not deterministic")
	}
	for _, b := range b1 {
		ids := make([]string, len(b.FileIDs))
		for i, id := range b.FileIDs {
			ids[i] = id.String()
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] < ids[i-1] {
				t.Fatalf("bucket %s members not sorted", b.Key)
			}
		}
	}
}

func TestOversizeSplitByCaptureWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var assets []Asset
	for i := 0; i < 12; i++ {
		a := photoAsset(fmt.Sprintf("/p/img_%04d.jpg", i), 1_000_000, 1920, 1080)
		ct := base.Add(time.Duration(i/4) * 24 * time.Hour) // three day clusters
		a.Meta.CaptureTime = &ct
		assets = append(assets, a)
	}

	buckets, stats := Build(assets, Options{MaxBucketSize: 6})
	if stats.Splits == 0 {
		t.Fatal("expected a split")
	}
	for _, b := range buckets {
		if len(b.FileIDs) > 6 && !b.Incomplete {
			t.Errorf("bucket %s oversize (%d) without incomplete flag", b.Key, len(b.FileIDs))
		}
	}
}

func TestStillOversizeMarkedIncomplete(t *testing.T) {
	// Same capture window, same geometry: the split cannot help, so the
	// bucket comes back incomplete.
	ct := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var assets []Asset
	for i := 0; i < 10; i++ {
		a := photoAsset(fmt.Sprintf("/p/img_%04d.jpg", i), 1_000_000, 1920, 1080)
		a.Meta.CaptureTime = &ct
		assets = append(assets, a)
	}
	buckets, stats := Build(assets, Options{MaxBucketSize: 4})
	if stats.PartialBuckets == 0 {
		t.Fatal("expected partial buckets")
	}
	incomplete := false
	for _, b := range buckets {
		if b.Incomplete {
			incomplete = true
		}
	}
	if !incomplete {
		t.Error("no bucket marked incomplete")
	}
}

func TestResolutionTiers(t *testing.T) {
	cases := map[int]string{480: "SD", 720: "HD", 1080: "FHD", 1440: "QHD", 2160: "UHD", 4320: "UHD"}
	for h, want := range cases {
		if got := resolutionTier(h); got != want {
			t.Errorf("tier(%d) = %s, want %s", h, got, want)
		}
	}
}

func TestStemPrefix(t *testing.T) {
	cases := map[string]string{
		"img_1234":   "img1",
		"IMG_1234":   "img1",
		"a":          "a",
		"a_copy":     "acop",
		"---":        "",
		"DSC_x1a_77": "dscx",
	}
	for in, want := range cases {
		if got := stemPrefix(in); got != want {
			t.Errorf("stemPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func anyBucketWith(buckets []*Bucket, a, b types.FileID) bool {
	for _, bk := range buckets {
		hasA, hasB := false, false
		for _, id := range bk.FileIDs {
			if id == a {
				hasA = true
			}
			if id == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

func bucketKeys(buckets []*Bucket) []string {
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = fmt.Sprintf("%s(%d)", b.Heuristic, len(b.FileIDs))
	}
	return keys
}
