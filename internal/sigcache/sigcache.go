// Package sigcache provides persistent caching of content hashes and
// perceptual signatures using BoltDB.
//
// The cache is self-cleaning: each run opens the previous database
// read-only and writes a fresh one; only entries that are looked up (and
// hit) or stored during the run survive the atomic swap at Close. Entries
// are keyed by inode number plus size and mtime, so any file mutation is
// a cache miss by construction.
package sigcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dupekit/dupekit/internal/types"
)

const (
	rangeBucket = "ranges"     // progressive checksum range hashes
	imageBucket = "imagesigs"  // perceptual image hashes
	videoBucket = "videosigs"  // frame-sequence fingerprints
	hashSize    = 32
)

// Cache caches hashes across runs. Implements the teacher pattern of a
// read database and a write database swapped atomically on Close.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Open opens the existing cache for reading and creates a new cache for
// writing. Returns a disabled no-op cache when path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}
	var err error

	if _, statErr := os.Stat(path); statErr == nil {
		c.readDB, err = bolt.Open(path, 0o600, &bolt.Options{
			ReadOnly: true,
			Timeout:  1 * time.Second,
		})
		if err != nil {
			c.readDB = nil // continue without read cache
		}
	}

	newPath := path + ".new"
	c.writeDB, err = bolt.Open(newPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{rangeBucket, imageBucket, videoBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces old with new.
// Only replaces if the write database closed successfully.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else {
			if err := os.Rename(c.path+".new", c.path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

const keyVersion byte = 1 // Increment when key format changes

// fileKey builds the identity portion shared by every key:
// ver(1) + ino(8) + size(8) + mtime(8).
func fileKey(f *types.File) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	_ = binary.Write(buf, binary.BigEndian, f.Identity.Ino)
	_ = binary.Write(buf, binary.BigEndian, f.Size)
	_ = binary.Write(buf, binary.BigEndian, f.ModTime.UnixNano())
	return buf.Bytes()
}

func rangeKey(f *types.File, start, size int64) []byte {
	buf := bytes.NewBuffer(fileKey(f))
	_ = binary.Write(buf, binary.BigEndian, start)
	_ = binary.Write(buf, binary.BigEndian, size)
	return buf.Bytes()
}

// LookupRange retrieves a cached hash for a byte range. On hit the entry
// is copied to the write database (self-cleaning). (nil, nil) means miss.
func (c *Cache) LookupRange(f *types.File, start, size int64) ([]byte, error) {
	if !c.enabled || c.readDB == nil {
		return nil, nil
	}
	key := rangeKey(f, start, size)
	hash, err := c.lookup(rangeBucket, key, hashSize)
	if err != nil || hash == nil {
		return hash, err
	}
	_ = c.store(rangeBucket, key, hash)
	return hash, nil
}

// StoreRange saves a range hash to the write database.
func (c *Cache) StoreRange(f *types.File, start, size int64, hash []byte) error {
	if len(hash) != hashSize {
		return nil
	}
	return c.store(rangeBucket, rangeKey(f, start, size), hash)
}

// encodeImageSigs encodes signature rows as alg(1) + hash(8) + w(4) + h(4) each.
func encodeImageSigs(sigs []types.ImageSignature) []byte {
	buf := new(bytes.Buffer)
	for _, s := range sigs {
		var alg byte
		if s.Algorithm == types.AlgPHash {
			alg = 1
		}
		buf.WriteByte(alg)
		_ = binary.Write(buf, binary.BigEndian, s.Hash)
		_ = binary.Write(buf, binary.BigEndian, int32(s.Width))
		_ = binary.Write(buf, binary.BigEndian, int32(s.Height))
	}
	return buf.Bytes()
}

func decodeImageSigs(fileID types.FileID, data []byte, computedAt time.Time) []types.ImageSignature {
	const rowSize = 1 + 8 + 4 + 4
	if len(data) == 0 || len(data)%rowSize != 0 {
		return nil
	}
	var sigs []types.ImageSignature
	for off := 0; off < len(data); off += rowSize {
		alg := types.AlgDHash
		if data[off] == 1 {
			alg = types.AlgPHash
		}
		sigs = append(sigs, types.ImageSignature{
			FileID:     fileID,
			Algorithm:  alg,
			Hash:       binary.BigEndian.Uint64(data[off+1:]),
			Width:      int(int32(binary.BigEndian.Uint32(data[off+9:]))),
			Height:     int(int32(binary.BigEndian.Uint32(data[off+13:]))),
			ComputedAt: computedAt,
		})
	}
	return sigs
}

// LookupImageSigs returns cached perceptual hashes for an unchanged file,
// or nil on miss.
func (c *Cache) LookupImageSigs(f *types.File) ([]types.ImageSignature, error) {
	if !c.enabled || c.readDB == nil {
		return nil, nil
	}
	key := fileKey(f)
	data, err := c.lookup(imageBucket, key, -1)
	if err != nil || data == nil {
		return nil, err
	}
	sigs := decodeImageSigs(f.ID, data, f.ModTime)
	if sigs == nil {
		return nil, nil
	}
	_ = c.store(imageBucket, key, data)
	return sigs, nil
}

// StoreImageSigs saves perceptual hashes for a file.
func (c *Cache) StoreImageSigs(f *types.File, sigs []types.ImageSignature) error {
	if len(sigs) == 0 {
		return nil
	}
	return c.store(imageBucket, fileKey(f), encodeImageSigs(sigs))
}

func encodeVideoSig(s *types.VideoSignature) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, s.Duration)
	_ = binary.Write(buf, binary.BigEndian, int32(s.Width))
	_ = binary.Write(buf, binary.BigEndian, int32(s.Height))
	_ = binary.Write(buf, binary.BigEndian, int32(len(s.FrameHashes)))
	for i := range s.FrameHashes {
		_ = binary.Write(buf, binary.BigEndian, s.FrameHashes[i])
		_ = binary.Write(buf, binary.BigEndian, s.SampleTimes[i])
	}
	return buf.Bytes()
}

func decodeVideoSig(fileID types.FileID, data []byte, computedAt time.Time) *types.VideoSignature {
	buf := bytes.NewReader(data)
	s := &types.VideoSignature{FileID: fileID, ComputedAt: computedAt}
	var w, h, n int32
	if binary.Read(buf, binary.BigEndian, &s.Duration) != nil ||
		binary.Read(buf, binary.BigEndian, &w) != nil ||
		binary.Read(buf, binary.BigEndian, &h) != nil ||
		binary.Read(buf, binary.BigEndian, &n) != nil || n < 0 || n > 64 {
		return nil
	}
	s.Width, s.Height = int(w), int(h)
	for i := int32(0); i < n; i++ {
		var fh uint64
		var st float64
		if binary.Read(buf, binary.BigEndian, &fh) != nil ||
			binary.Read(buf, binary.BigEndian, &st) != nil {
			return nil
		}
		s.FrameHashes = append(s.FrameHashes, fh)
		s.SampleTimes = append(s.SampleTimes, st)
	}
	return s
}

// LookupVideoSig returns the cached fingerprint for an unchanged file, or
// nil on miss.
func (c *Cache) LookupVideoSig(f *types.File) (*types.VideoSignature, error) {
	if !c.enabled || c.readDB == nil {
		return nil, nil
	}
	key := fileKey(f)
	data, err := c.lookup(videoBucket, key, -1)
	if err != nil || data == nil {
		return nil, err
	}
	sig := decodeVideoSig(f.ID, data, f.ModTime)
	if sig == nil {
		return nil, nil
	}
	_ = c.store(videoBucket, key, data)
	return sig, nil
}

// StoreVideoSig saves a fingerprint for a file.
func (c *Cache) StoreVideoSig(f *types.File, sig *types.VideoSignature) error {
	if sig == nil {
		return nil
	}
	return c.store(videoBucket, fileKey(f), encodeVideoSig(sig))
}

// lookup reads one value from the read database. wantLen < 0 accepts any
// non-empty length.
func (c *Cache) lookup(bucket string, key []byte, wantLen int) ([]byte, error) {
	var out []byte
	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		data := b.Get(key)
		if len(data) == 0 {
			return nil
		}
		if wantLen >= 0 && len(data) != wantLen {
			return nil
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	return out, nil
}

func (c *Cache) store(bucket string, key, value []byte) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}
