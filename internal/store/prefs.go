package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dupekit/dupekit/internal/types"
)

// Preference values are self-describing tagged blobs: {"type": t, "value": v}.
type taggedValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Well-known preference keys.
const (
	// PrefCaptureTimeSource selects the capture-time fallback: "created"
	// or "modified".
	PrefCaptureTimeSource = "capture_time_source"
)

func (s *Store) loadPreferences() error {
	var rows []preferenceRow
	if err := s.db.Find(&rows).Error; err != nil {
		return err
	}
	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	for _, r := range rows {
		s.prefCache[r.Key] = r.Value
	}
	return nil
}

// SetPreference stores a preference with write-through to the cache.
// Value must be JSON-encodable.
func (s *Store) SetPreference(key, valueType string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %s: %w", key, err)
	}
	blob, err := json.Marshal(taggedValue{Type: valueType, Value: raw})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	r := preferenceRow{Key: key, Value: blob}
	err = s.db.Save(&r).Error
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.prefMu.Lock()
	s.prefCache[key] = blob
	s.prefMu.Unlock()
	return nil
}

// PreferenceValue decodes a preference into out. Returns false when the
// key is unset. Reads hit the in-memory cache only.
func (s *Store) PreferenceValue(key string, out any) (bool, error) {
	s.prefMu.RLock()
	blob, ok := s.prefCache[key]
	s.prefMu.RUnlock()
	if !ok {
		return false, nil
	}
	var tv taggedValue
	if err := json.Unmarshal(blob, &tv); err != nil {
		return false, fmt.Errorf("decode preference %s: %w", key, err)
	}
	if err := json.Unmarshal(tv.Value, out); err != nil {
		return false, fmt.Errorf("decode preference %s value: %w", key, err)
	}
	return true, nil
}

// ── Ignore pairs ─────────────────────────────────────────────────────

// AddIgnorePair persists a symmetric ignore assertion. The pair is stored
// in canonical order and survives until either file mutates.
func (s *Store) AddIgnorePair(a, b types.FileID) error {
	if a == b {
		return types.NewError(types.UserError, "store", "ignore_self",
			"a file cannot be ignored against itself", nil)
	}
	p := types.IgnorePair{A: a, B: b}.Canonical()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	r := ignorePairRow{A: p.A.String(), B: p.B.String(), CreatedAt: time.Now().UTC()}
	return s.db.Save(&r).Error
}

// IgnorePairs returns the full ignore set in canonical order.
func (s *Store) IgnorePairs() (map[types.IgnorePair]bool, error) {
	var rows []ignorePairRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.IgnorePair]bool, len(rows))
	for _, r := range rows {
		out[types.IgnorePair{A: uuid.MustParse(r.A), B: uuid.MustParse(r.B)}] = true
	}
	return out, nil
}

// RemoveIgnorePair deletes one pair regardless of argument order.
func (s *Store) RemoveIgnorePair(a, b types.FileID) error {
	p := types.IgnorePair{A: a, B: b}.Canonical()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Where("a = ? AND b = ?", p.A.String(), p.B.String()).
		Delete(&ignorePairRow{}).Error
}
