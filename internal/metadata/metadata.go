// Package metadata populates MediaMetadata for scanned files.
//
// # Overview
//
// The extractor reads filesystem attributes and container headers without
// ever decoding image pixels: photo geometry comes from image.DecodeConfig
// (header-only), EXIF from the goexif block, and video/audio geometry from
// an ffprobe header pass. Corrupted containers yield partial metadata with
// fields absent; extraction never fails the pipeline.
//
// # Normalization
//
// Normalize fills a missing capture timestamp from createdAt then
// modifiedAt (or per the capture-time preference), clamps GPS to 1e-6
// precision, and drops incomplete coordinates. Normalize is idempotent.
// Dimensions for rotated orientations are swapped by the readers, before
// Normalize runs.
package metadata

import (
	"context"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/dupekit/dupekit/internal/ffprobe"
	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/types"
)

// CaptureTimePreference selects the fallback source for a missing EXIF
// capture timestamp.
type CaptureTimePreference int

const (
	// PreferCreated falls back to createdAt then modifiedAt.
	PreferCreated CaptureTimePreference = iota
	// PreferModified falls back to modifiedAt only.
	PreferModified
)

// Extractor reads and normalizes media metadata.
type Extractor struct {
	pref CaptureTimePreference
}

// New creates an Extractor with the given capture-time preference.
func New(pref CaptureTimePreference) *Extractor {
	return &Extractor{pref: pref}
}

// Read extracts metadata for a file and returns it normalized. The result
// is always usable; unreadable containers produce sparse metadata.
func (e *Extractor) Read(ctx context.Context, f *types.File) *types.MediaMetadata {
	m := &types.MediaMetadata{FileID: f.ID}

	switch f.Kind {
	case types.KindPhoto:
		e.readPhoto(f, m)
	case types.KindVideo, types.KindAudio:
		e.readContainer(ctx, f, m)
	}

	return e.Normalize(f, m)
}

// readPhoto fills geometry from the image header and the EXIF block.
func (e *Extractor) readPhoto(f *types.File, m *types.MediaMetadata) {
	if cfg, err := decodeConfig(f.Path); err == nil {
		m.Width = cfg.Width
		m.Height = cfg.Height
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return
	}
	defer func() { _ = fh.Close() }()

	x, err := exif.Decode(fh)
	if err != nil {
		return // no EXIF is the common case for PNG and screenshots
	}

	if t, err := x.DateTime(); err == nil {
		utc := t.UTC()
		m.CaptureTime = &utc
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if s, err := tag.StringVal(); err == nil {
			m.CameraModel = strings.TrimSpace(s)
		}
	}
	if lat, lon, err := x.LatLong(); err == nil {
		m.Latitude = &lat
		m.Longitude = &lon
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil && o >= 5 && o <= 8 {
			// Rotated orientation: reported dimensions are transposed.
			m.Width, m.Height = m.Height, m.Width
		}
	}
}

// readContainer fills duration and stream geometry from ffprobe.
func (e *Extractor) readContainer(ctx context.Context, f *types.File, m *types.MediaMetadata) {
	p, err := ffprobe.Run(ctx, f.Path)
	if err != nil {
		if !errors.Is(err, ffprobe.ErrUnavailable) {
			logger.Debug("container probe failed", "path", types.ShortPath(f.Path), "err", err)
		}
		return
	}
	if p.Duration > 0 {
		d := p.Duration
		m.Duration = &d
	}
	m.Width = p.Width
	m.Height = p.Height
	m.Codec = p.Codec
	if p.FrameRate > 0 {
		fr := p.FrameRate
		m.FrameRate = &fr
	}
	if p.Rotation == 90 || p.Rotation == -90 || p.Rotation == 270 || p.Rotation == -270 {
		m.Width, m.Height = m.Height, m.Width
	}
}

// Normalize applies capture-time fallback and GPS clamping. Calling it on
// already-normalized metadata changes nothing.
func (e *Extractor) Normalize(f *types.File, m *types.MediaMetadata) *types.MediaMetadata {
	if m.CaptureTime == nil {
		var t time.Time
		switch {
		case e.pref == PreferModified:
			t = f.ModTime
		case !f.CreatedAt.IsZero():
			t = f.CreatedAt
		default:
			t = f.ModTime
		}
		if !t.IsZero() {
			utc := t.UTC()
			m.CaptureTime = &utc
		}
	} else {
		utc := m.CaptureTime.UTC()
		m.CaptureTime = &utc
	}

	// GPS: both coordinates or neither, clamped to 1e-6.
	if m.Latitude == nil || m.Longitude == nil {
		m.Latitude, m.Longitude = nil, nil
	} else {
		lat := clampCoord(*m.Latitude)
		lon := clampCoord(*m.Longitude)
		m.Latitude, m.Longitude = &lat, &lon
	}

	return m
}

func clampCoord(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// decodeConfig reads image geometry from the header only.
func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}
