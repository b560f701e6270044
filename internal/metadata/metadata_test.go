package metadata

import (
	"reflect"
	"testing"
	"time"

	"github.com/dupekit/dupekit/internal/types"
)

func fileWithTimes(created, modified time.Time) *types.File {
	return &types.File{
		ID:        types.NewFileID(),
		Path:      "/photos/2024/img_0001.jpg",
		Kind:      types.KindPhoto,
		CreatedAt: created,
		ModTime:   modified,
	}
}

func TestNormalizeCaptureTimePrecedence(t *testing.T) {
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	modified := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)
	f := fileWithTimes(created, modified)
	e := New(PreferCreated)

	// EXIF capture time present: kept.
	exifTime := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	m := e.Normalize(f, &types.MediaMetadata{FileID: f.ID, CaptureTime: &exifTime})
	if !m.CaptureTime.Equal(exifTime) {
		t.Errorf("capture time = %v, want EXIF %v", m.CaptureTime, exifTime)
	}

	// Missing: falls back to createdAt.
	m = e.Normalize(f, &types.MediaMetadata{FileID: f.ID})
	if !m.CaptureTime.Equal(created) {
		t.Errorf("capture time = %v, want createdAt %v", m.CaptureTime, created)
	}

	// Missing createdAt: falls back to modifiedAt.
	f2 := fileWithTimes(time.Time{}, modified)
	m = e.Normalize(f2, &types.MediaMetadata{FileID: f2.ID})
	if !m.CaptureTime.Equal(modified) {
		t.Errorf("capture time = %v, want modifiedAt %v", m.CaptureTime, modified)
	}
}

func TestNormalizePreferModified(t *testing.T) {
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	modified := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)
	f := fileWithTimes(created, modified)

	m := New(PreferModified).Normalize(f, &types.MediaMetadata{FileID: f.ID})
	if !m.CaptureTime.Equal(modified) {
		t.Errorf("capture time = %v, want modifiedAt %v", m.CaptureTime, modified)
	}
}

func TestNormalizeGPS(t *testing.T) {
	f := fileWithTimes(time.Now(), time.Now())
	e := New(PreferCreated)

	lat := 52.52000066
	lon := 13.40495395
	m := e.Normalize(f, &types.MediaMetadata{FileID: f.ID, Latitude: &lat, Longitude: &lon})
	if *m.Latitude != 52.520001 || *m.Longitude != 13.404954 {
		t.Errorf("GPS = (%v, %v), want clamped to 1e-6", *m.Latitude, *m.Longitude)
	}

	// Incomplete coordinates are dropped.
	m = e.Normalize(f, &types.MediaMetadata{FileID: f.ID, Latitude: &lat})
	if m.Latitude != nil || m.Longitude != nil {
		t.Error("incomplete GPS not dropped")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	f := fileWithTimes(
		time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local),
		time.Date(2024, 6, 2, 10, 0, 0, 0, time.Local),
	)
	e := New(PreferCreated)

	lat := 48.8566321
	lon := 2.3522197
	once := e.Normalize(f, &types.MediaMetadata{FileID: f.ID, Latitude: &lat, Longitude: &lon})
	twice := e.Normalize(f, cloneMeta(once))

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("normalize not idempotent:\n once=%+v\n twice=%+v", once, twice)
	}
}

func cloneMeta(m *types.MediaMetadata) *types.MediaMetadata {
	c := *m
	if m.CaptureTime != nil {
		t := *m.CaptureTime
		c.CaptureTime = &t
	}
	if m.Latitude != nil {
		v := *m.Latitude
		c.Latitude = &v
	}
	if m.Longitude != nil {
		v := *m.Longitude
		c.Longitude = &v
	}
	return &c
}
