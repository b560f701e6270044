package sigcache

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/dupekit/dupekit/internal/types"
)

func testFile() *types.File {
	return &types.File{
		ID:       types.NewFileID(),
		Path:     "/photos/img_0001.jpg",
		Size:     1024,
		ModTime:  time.Unix(1700000000, 0),
		Identity: types.Identity{Dev: 1, Ino: 12345, Nlink: 1},
	}
}

func TestCacheDisabled(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	f := testFile()
	hash := bytes.Repeat([]byte{0xab}, 32)

	if err := c.StoreRange(f, 0, 100, hash); err != nil {
		t.Errorf("StoreRange on disabled cache: %v", err)
	}
	got, err := c.LookupRange(f, 0, 100)
	if err != nil || got != nil {
		t.Errorf("LookupRange on disabled cache = %v, %v", got, err)
	}
}

func TestRangeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	f := testFile()
	hash := bytes.Repeat([]byte{0x42}, 32)

	c1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c1.StoreRange(f, 0, 1024, hash); err != nil {
		t.Fatalf("StoreRange: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = c2.Close() }()

	got, err := c2.LookupRange(f, 0, 1024)
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	if !bytes.Equal(got, hash) {
		t.Errorf("round trip = %x, want %x", got, hash)
	}

	// Different range is a miss.
	if got, _ := c2.LookupRange(f, 512, 512); got != nil {
		t.Errorf("different range hit: %x", got)
	}

	// Mutated file is a miss by key construction.
	f2 := *f
	f2.ModTime = f.ModTime.Add(time.Second)
	if got, _ := c2.LookupRange(&f2, 0, 1024); got != nil {
		t.Errorf("mutated file hit: %x", got)
	}
}

func TestImageSigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	f := testFile()
	sigs := []types.ImageSignature{
		{FileID: f.ID, Algorithm: types.AlgDHash, Hash: 0xdeadbeef, Width: 1920, Height: 1080},
		{FileID: f.ID, Algorithm: types.AlgPHash, Hash: 0xcafebabe, Width: 1920, Height: 1080},
	}

	c1, _ := Open(path)
	if err := c1.StoreImageSigs(f, sigs); err != nil {
		t.Fatalf("StoreImageSigs: %v", err)
	}
	_ = c1.Close()

	c2, _ := Open(path)
	defer func() { _ = c2.Close() }()
	got, err := c2.LookupImageSigs(f)
	if err != nil {
		t.Fatalf("LookupImageSigs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sigs, want 2", len(got))
	}
	if got[0].Algorithm != types.AlgDHash || got[0].Hash != 0xdeadbeef || got[0].Width != 1920 {
		t.Errorf("dhash row = %+v", got[0])
	}
	if got[1].Algorithm != types.AlgPHash || got[1].Hash != 0xcafebabe {
		t.Errorf("phash row = %+v", got[1])
	}
}

func TestVideoSigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	f := testFile()
	sig := &types.VideoSignature{
		FileID:      f.ID,
		Duration:    45.3,
		Width:       1920,
		Height:      1080,
		FrameHashes: []uint64{1, 2, 3},
		SampleTimes: []float64{0, 22.65, 44.3},
	}

	c1, _ := Open(path)
	if err := c1.StoreVideoSig(f, sig); err != nil {
		t.Fatalf("StoreVideoSig: %v", err)
	}
	_ = c1.Close()

	c2, _ := Open(path)
	defer func() { _ = c2.Close() }()
	got, err := c2.LookupVideoSig(f)
	if err != nil {
		t.Fatalf("LookupVideoSig: %v", err)
	}
	if got == nil {
		t.Fatal("video sig miss after store")
	}
	if got.Duration != 45.3 || len(got.FrameHashes) != 3 || got.SampleTimes[1] != 22.65 {
		t.Errorf("decoded sig = %+v", got)
	}
}

// TestSelfCleaning verifies that entries not touched during a run do not
// survive the swap.
func TestSelfCleaning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	fKeep := testFile()
	fDrop := testFile()
	fDrop.Identity.Ino = 99999
	hash := bytes.Repeat([]byte{0x01}, 32)

	c1, _ := Open(path)
	_ = c1.StoreRange(fKeep, 0, 1024, hash)
	_ = c1.StoreRange(fDrop, 0, 1024, hash)
	_ = c1.Close()

	// Second run touches only fKeep.
	c2, _ := Open(path)
	if got, _ := c2.LookupRange(fKeep, 0, 1024); got == nil {
		t.Fatal("fKeep miss on second run")
	}
	_ = c2.Close()

	// Third run: fKeep survived, fDrop was cleaned.
	c3, _ := Open(path)
	defer func() { _ = c3.Close() }()
	if got, _ := c3.LookupRange(fKeep, 0, 1024); got == nil {
		t.Error("fKeep did not survive self-cleaning")
	}
	if got, _ := c3.LookupRange(fDrop, 0, 1024); got != nil {
		t.Error("fDrop survived despite not being touched")
	}
}
