// Package store is the embedded relational store owning all persistent
// entities: files, metadata, signatures, groups, the undo log, preferences,
// and the ignore set.
//
// # Concurrency
//
// All writes go through a single serialized writer; reads run on the
// shared connection and observe committed snapshots. The preference cache
// is an in-memory map guarded by a read-write mutex; SetPreference writes
// through to it.
//
// # Migrations
//
// The schema carries a version row. Migrations are additive only and
// preserve all user data.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dupekit/dupekit/internal/types"
)

// Store wraps the sqlite database.
type Store struct {
	db *gorm.DB

	// writeMu serializes all writes; sqlite has a single writer anyway,
	// and serializing in-process keeps "database is locked" out of the
	// pipeline.
	writeMu sync.Mutex

	prefMu    sync.RWMutex
	prefCache map[string][]byte
}

// Open opens (or creates) the store at path and applies migrations.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	s := &Store{db: db, prefCache: make(map[string][]byte)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadPreferences(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&schemaInfo{}, &fileRow{}, &metadataRow{}, &imageSigRow{},
		&videoSigRow{}, &groupRow{}, &groupMemberRow{}, &transactionRow{},
		&preferenceRow{}, &ignorePairRow{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var info schemaInfo
	if err := s.db.First(&info, 1).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&schemaInfo{ID: 1, Version: schemaVersion}).Error
	} else if err != nil {
		return err
	}
	if info.Version < schemaVersion {
		// Additive migrations already applied by AutoMigrate; record the
		// new version.
		return s.db.Model(&schemaInfo{}).Where("id = 1").Update("version", schemaVersion).Error
	}
	return nil
}

// ── Files ────────────────────────────────────────────────────────────

// FindByIdentity returns the File with the given identity pair, or nil.
func (s *Store) FindByIdentity(dev, ino uint64) (*types.File, error) {
	var r fileRow
	err := s.db.Where("dev = ? AND ino = ?", dev, ino).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToFile(r), nil
}

// FindByPath returns the File at path, or nil.
func (s *Store) FindByPath(path string) (*types.File, error) {
	var r fileRow
	err := s.db.Where("path = ?", path).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToFile(r), nil
}

// SaveFile inserts or updates a File by id.
func (s *Store) SaveFile(f *types.File) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	r := fileToRow(f)
	return s.db.Save(&r).Error
}

// FetchFileByID loads one File.
func (s *Store) FetchFileByID(id types.FileID) (*types.File, error) {
	var r fileRow
	err := s.db.First(&r, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToFile(r), nil
}

// FilesByIDs loads files by id, skipping unknown ids. The result is
// ordered by id string.
func (s *Store) FilesByIDs(ids []types.FileID) ([]*types.File, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	var rows []fileRow
	if err := s.db.Where("id IN ?", strs).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.File, len(rows))
	for i, r := range rows {
		out[i] = rowToFile(r)
	}
	return out, nil
}

// AllFileIDs returns every non-trashed file id, sorted.
func (s *Store) AllFileIDs() ([]types.FileID, error) {
	var strs []string
	if err := s.db.Model(&fileRow{}).Where("trashed = ?", false).Order("id").Pluck("id", &strs).Error; err != nil {
		return nil, err
	}
	out := make([]types.FileID, len(strs))
	for i, v := range strs {
		out[i] = uuid.MustParse(v)
	}
	return out, nil
}

// FileIDsUnderPath returns ids of non-trashed files whose path is under dir.
func (s *Store) FileIDsUnderPath(dir string) ([]types.FileID, error) {
	like := filepath.Clean(dir) + string(filepath.Separator) + "%"
	var strs []string
	err := s.db.Model(&fileRow{}).
		Where("trashed = ? AND (path LIKE ? OR path = ?)", false, like, filepath.Clean(dir)).
		Order("id").Pluck("id", &strs).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.FileID, len(strs))
	for i, v := range strs {
		out[i] = uuid.MustParse(v)
	}
	return out, nil
}

// SetChecksum records a lazily computed content checksum.
func (s *Store) SetChecksum(id types.FileID, sum []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Model(&fileRow{}).Where("id = ?", id.String()).Update("checksum", sum).Error
}

// SetTrashed flips a file's trashed flag.
func (s *Store) SetTrashed(id types.FileID, trashed bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Model(&fileRow{}).Where("id = ?", id.String()).Update("trashed", trashed).Error
}

// DeleteFile removes a File row and its dependent rows.
func (s *Store) DeleteFile(id types.FileID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	idStr := id.String()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&metadataRow{}, &imageSigRow{}, &videoSigRow{}} {
			if err := tx.Where("file_id = ?", idStr).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&fileRow{}, "id = ?", idStr).Error
	})
}

// FetchByFileSize returns non-trashed files within [min, max] bytes,
// optionally restricted to a kind.
func (s *Store) FetchByFileSize(min, max int64, kind types.MediaKind) ([]*types.File, error) {
	q := s.db.Where("trashed = ? AND size >= ? AND size <= ?", false, min, max)
	if kind != types.KindOther {
		q = q.Where("kind = ?", kind.String())
	}
	var rows []fileRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.File, len(rows))
	for i, r := range rows {
		out[i] = rowToFile(r)
	}
	return out, nil
}

// FetchByDimensions returns files whose metadata matches the exact pixel
// dimensions.
func (s *Store) FetchByDimensions(w, h int, kind types.MediaKind) ([]*types.File, error) {
	q := s.db.Model(&fileRow{}).Select("files.*").
		Joins("JOIN media_metadata ON media_metadata.file_id = files.id").
		Where("files.trashed = ? AND media_metadata.width = ? AND media_metadata.height = ?", false, w, h)
	if kind != types.KindOther {
		q = q.Where("files.kind = ?", kind.String())
	}
	var rows []fileRow
	if err := q.Order("files.id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.File, len(rows))
	for i, r := range rows {
		out[i] = rowToFile(r)
	}
	return out, nil
}

// FetchVideosByDuration returns videos with duration in [min, max] seconds.
func (s *Store) FetchVideosByDuration(min, max float64) ([]*types.File, error) {
	var rows []fileRow
	err := s.db.Model(&fileRow{}).Select("files.*").
		Joins("JOIN media_metadata ON media_metadata.file_id = files.id").
		Where("files.trashed = ? AND files.kind = ? AND media_metadata.duration >= ? AND media_metadata.duration <= ?",
			false, types.KindVideo.String(), min, max).
		Order("files.id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.File, len(rows))
	for i, r := range rows {
		out[i] = rowToFile(r)
	}
	return out, nil
}

// ── Metadata and signatures ──────────────────────────────────────────

// SaveMetadata upserts a metadata row and clears the file's refresh flag.
func (s *Store) SaveMetadata(m *types.MediaMetadata) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		r := metaToRow(m)
		if err := tx.Save(&r).Error; err != nil {
			return err
		}
		return tx.Model(&fileRow{}).Where("id = ?", m.FileID.String()).
			Update("needs_metadata", false).Error
	})
}

// MetadataByFileIDs loads metadata keyed by file id.
func (s *Store) MetadataByFileIDs(ids []types.FileID) (map[types.FileID]*types.MediaMetadata, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	var rows []metadataRow
	if err := s.db.Where("file_id IN ?", strs).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.FileID]*types.MediaMetadata, len(rows))
	for _, r := range rows {
		m := rowToMeta(r)
		out[m.FileID] = m
	}
	return out, nil
}

// SaveImageSigs replaces the perceptual hash rows for a file and clears
// its signature refresh flag.
func (s *Store) SaveImageSigs(fileID types.FileID, sigs []types.ImageSignature) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", fileID.String()).Delete(&imageSigRow{}).Error; err != nil {
			return err
		}
		for _, sig := range sigs {
			r := imageSigRow{
				FileID:     fileID.String(),
				Algorithm:  string(sig.Algorithm),
				Hash:       sig.Hash,
				Width:      sig.Width,
				Height:     sig.Height,
				ComputedAt: sig.ComputedAt,
			}
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		}
		return tx.Model(&fileRow{}).Where("id = ?", fileID.String()).
			Update("needs_signature", false).Error
	})
}

// ImageSigsByFileIDs loads image signature rows keyed by file id.
func (s *Store) ImageSigsByFileIDs(ids []types.FileID) (map[types.FileID][]types.ImageSignature, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	var rows []imageSigRow
	if err := s.db.Where("file_id IN ?", strs).Order("file_id, algorithm").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.FileID][]types.ImageSignature)
	for _, r := range rows {
		id := uuid.MustParse(r.FileID)
		out[id] = append(out[id], types.ImageSignature{
			FileID:     id,
			Algorithm:  types.HashAlg(r.Algorithm),
			Hash:       r.Hash,
			Width:      r.Width,
			Height:     r.Height,
			ComputedAt: r.ComputedAt,
		})
	}
	return out, nil
}

// SaveVideoSig upserts a video fingerprint and clears the refresh flag.
func (s *Store) SaveVideoSig(sig *types.VideoSignature) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		r := videoSigRow{
			FileID:      sig.FileID.String(),
			Duration:    sig.Duration,
			Width:       sig.Width,
			Height:      sig.Height,
			FrameHashes: sig.FrameHashes,
			SampleTimes: sig.SampleTimes,
			ComputedAt:  sig.ComputedAt,
		}
		if err := tx.Save(&r).Error; err != nil {
			return err
		}
		return tx.Model(&fileRow{}).Where("id = ?", sig.FileID.String()).
			Update("needs_signature", false).Error
	})
}

// VideoSigsByFileIDs loads video fingerprints keyed by file id.
func (s *Store) VideoSigsByFileIDs(ids []types.FileID) (map[types.FileID]*types.VideoSignature, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	var rows []videoSigRow
	if err := s.db.Where("file_id IN ?", strs).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.FileID]*types.VideoSignature, len(rows))
	for _, r := range rows {
		id := uuid.MustParse(r.FileID)
		out[id] = &types.VideoSignature{
			FileID:      id,
			Duration:    r.Duration,
			Width:       r.Width,
			Height:      r.Height,
			FrameHashes: r.FrameHashes,
			SampleTimes: r.SampleTimes,
			ComputedAt:  r.ComputedAt,
		}
	}
	return out, nil
}

// InvalidateSignatures drops signature rows for a file and sets both
// refresh flags. Called when a file's size or mtime changed.
func (s *Store) InvalidateSignatures(id types.FileID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	idStr := id.String()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", idStr).Delete(&imageSigRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("file_id = ?", idStr).Delete(&videoSigRow{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&fileRow{}).Where("id = ?", idStr).Updates(map[string]any{
			"needs_metadata":  true,
			"needs_signature": true,
			"checksum":        nil,
		}).Error; err != nil {
			return err
		}
		// File mutation also evicts its ignore pairs.
		return tx.Where("a = ? OR b = ?", idStr, idStr).Delete(&ignorePairRow{}).Error
	})
}

// ── Groups ───────────────────────────────────────────────────────────

// GroupResult pairs a group with its members.
type GroupResult struct {
	Group   types.DuplicateGroup
	Members []types.GroupMember
}

// ReplaceOpenGroups atomically deletes open groups containing any of the
// given files and inserts the new results, preserving the invariant that
// no file appears in two open groups.
func (s *Store) ReplaceOpenGroups(fileIDs []types.FileID, results []GroupResult) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	strs := make([]string, len(fileIDs))
	for i, id := range fileIDs {
		strs[i] = id.String()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var staleIDs []string
		err := tx.Model(&groupMemberRow{}).
			Joins("JOIN duplicate_groups ON duplicate_groups.id = group_members.group_id").
			Where("duplicate_groups.status = ? AND group_members.file_id IN ?", string(types.GroupOpen), strs).
			Distinct().Pluck("group_members.group_id", &staleIDs).Error
		if err != nil {
			return err
		}
		if len(staleIDs) > 0 {
			if err := tx.Where("group_id IN ?", staleIDs).Delete(&groupMemberRow{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", staleIDs).Delete(&groupRow{}).Error; err != nil {
				return err
			}
		}

		for _, res := range results {
			g := groupRow{
				ID:         res.Group.ID.String(),
				CreatedAt:  res.Group.CreatedAt,
				Status:     string(res.Group.Status),
				Confidence: res.Group.Confidence,
				Incomplete: res.Group.Incomplete,
				Policy:     res.Group.Policy,
			}
			if err := tx.Save(&g).Error; err != nil {
				return err
			}
			for _, m := range res.Members {
				r := groupMemberRow{
					GroupID:          m.GroupID.String(),
					FileID:           m.FileID.String(),
					KeeperSuggestion: m.KeeperSuggestion,
					HammingToKeeper:  m.HammingToKeeper,
					NameToKeeper:     m.NameToKeeper,
					Signals:          m.Signals,
					Penalties:        m.Penalties,
				}
				if err := tx.Save(&r).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// FetchGroupByID loads one group with members, or nil.
func (s *Store) FetchGroupByID(id types.GroupID) (*GroupResult, error) {
	var g groupRow
	err := s.db.First(&g, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res := rowToGroupResult(g)
	var members []groupMemberRow
	if err := s.db.Where("group_id = ?", g.ID).Order("file_id").Find(&members).Error; err != nil {
		return nil, err
	}
	for _, m := range members {
		res.Members = append(res.Members, rowToMember(m))
	}
	return &res, nil
}

// FetchAllGroups returns all groups with members, ordered by group id.
func (s *Store) FetchAllGroups() ([]GroupResult, error) {
	return s.fetchGroups(s.db.Order("id"))
}

// FetchGroupsByMediaType returns groups whose members are of a kind.
func (s *Store) FetchGroupsByMediaType(kind types.MediaKind) ([]GroupResult, error) {
	var ids []string
	err := s.db.Model(&groupMemberRow{}).
		Joins("JOIN files ON files.id = group_members.file_id").
		Where("files.kind = ?", kind.String()).
		Distinct().Pluck("group_members.group_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return s.fetchGroups(s.db.Where("id IN ?", ids).Order("id"))
}

func (s *Store) fetchGroups(q *gorm.DB) ([]GroupResult, error) {
	var groups []groupRow
	if err := q.Find(&groups).Error; err != nil {
		return nil, err
	}
	out := make([]GroupResult, 0, len(groups))
	for _, g := range groups {
		res := rowToGroupResult(g)
		var members []groupMemberRow
		if err := s.db.Where("group_id = ?", g.ID).Order("file_id").Find(&members).Error; err != nil {
			return nil, err
		}
		for _, m := range members {
			res.Members = append(res.Members, rowToMember(m))
		}
		out = append(out, res)
	}
	return out, nil
}

// SetGroupStatus updates a group's lifecycle status.
func (s *Store) SetGroupStatus(id types.GroupID, status types.GroupStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Model(&groupRow{}).Where("id = ?", id.String()).
		Update("status", string(status)).Error
}

func rowToGroupResult(g groupRow) GroupResult {
	return GroupResult{Group: types.DuplicateGroup{
		ID:         uuid.MustParse(g.ID),
		CreatedAt:  g.CreatedAt,
		Status:     types.GroupStatus(g.Status),
		Confidence: g.Confidence,
		Incomplete: g.Incomplete,
		Policy:     g.Policy,
	}}
}

func rowToMember(m groupMemberRow) types.GroupMember {
	return types.GroupMember{
		GroupID:          uuid.MustParse(m.GroupID),
		FileID:           uuid.MustParse(m.FileID),
		KeeperSuggestion: m.KeeperSuggestion,
		HammingToKeeper:  m.HammingToKeeper,
		NameToKeeper:     m.NameToKeeper,
		Signals:          m.Signals,
		Penalties:        m.Penalties,
	}
}

// ── Transactions ─────────────────────────────────────────────────────

// RecordTransaction persists a merge transaction row.
func (s *Store) RecordTransaction(tx *types.MergeTransaction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	payload, err := json.Marshal(tx.Payload)
	if err != nil {
		return fmt.Errorf("encode transaction payload: %w", err)
	}
	r := transactionRow{
		ID:           tx.ID.String(),
		CreatedAt:    tx.CreatedAt,
		UndoDeadline: tx.UndoDeadline,
		UndoneAt:     tx.UndoneAt,
		Payload:      payload,
	}
	return s.db.Save(&r).Error
}

// LastTransaction returns the most recent transaction not yet undone, or
// nil when the undo log is empty.
func (s *Store) LastTransaction() (*types.MergeTransaction, error) {
	var r transactionRow
	err := s.db.Where("undone_at IS NULL").Order("created_at DESC").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToTransaction(r)
}

// MarkTransactionUndone stamps a transaction as undone.
func (s *Store) MarkTransactionUndone(id types.TxID, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Model(&transactionRow{}).Where("id = ?", id.String()).
		Update("undone_at", at).Error
}

// ReapTransactions purges undo-log rows created before the cutoff. The
// trashed files themselves remain in the OS recycle bin under OS policy.
func (s *Store) ReapTransactions(cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res := s.db.Where("created_at < ?", cutoff).Delete(&transactionRow{})
	return res.RowsAffected, res.Error
}

func rowToTransaction(r transactionRow) (*types.MergeTransaction, error) {
	var payload types.TxPayload
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode transaction payload: %w", err)
	}
	return &types.MergeTransaction{
		ID:           uuid.MustParse(r.ID),
		CreatedAt:    r.CreatedAt,
		UndoDeadline: r.UndoDeadline,
		UndoneAt:     r.UndoneAt,
		Payload:      payload,
	}, nil
}
