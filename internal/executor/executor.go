// Package executor applies merge plans atomically and durably enables
// undo.
//
// # Protocol
//
//	pre-check → stage → begin transaction → commit → finalize
//
// Staged writes land in sibling temp files (`<path>.<txid>.tmp`) and are
// atomic-renamed at commit, the same replace discipline as hardlink
// deduplication: nothing is visible at the target path until the rename.
// Keeper metadata field changes are applied to the persistent metadata
// record; keepers in RAW containers additionally get an XMP sidecar,
// since RAW files are never rewritten in place.
//
// On any mid-commit failure the executor rewinds in reverse order using
// the in-progress journal: files already moved to the recycle bin are
// restored, staged temps are deleted, and the transaction row is stamped
// undone so undo never acts on it. The caller observes either complete
// success or no externally visible change.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/trash"
	"github.com/dupekit/dupekit/internal/types"
)

// DefaultRetention is how long undo-log rows live before reaping.
const DefaultRetention = 30 * 24 * time.Hour

// Executor commits merge plans.
type Executor struct {
	store     *store.Store
	bin       trash.Bin
	retention time.Duration
}

// New creates an Executor. retention ≤ 0 uses DefaultRetention.
func New(st *store.Store, bin trash.Bin, retention time.Duration) *Executor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Executor{store: st, bin: bin, retention: retention}
}

// MergeResult reports one committed merge.
type MergeResult struct {
	TxID           types.TxID
	TrashedFileIDs []types.FileID
	SidecarPath    string
	DryRun         bool
}

// Execute applies a plan. Dry-run plans return the would-be result with
// no file I/O. Cancellation is honored before the transaction begins;
// once committing, the transaction runs to completion or rolls back.
func (e *Executor) Execute(ctx context.Context, plan *types.MergePlan) (*MergeResult, error) {
	keeper, trashFiles, err := e.precheck(plan)
	if err != nil {
		return nil, err
	}

	if plan.DryRun {
		return &MergeResult{TrashedFileIDs: plan.Trash, DryRun: true}, nil
	}
	if ctx.Err() != nil {
		return nil, types.NewError(types.EnvironmentError, "executor", "cancelled",
			"merge cancelled before commit", ctx.Err())
	}

	txID := types.NewFileID()

	// Stage: sidecar for RAW keepers carrying field changes.
	var stagedSidecar, finalSidecar string
	if types.IsRawPath(keeper.Path) && len(plan.Changes) > 0 {
		finalSidecar = strings.TrimSuffix(keeper.Path, filepath.Ext(keeper.Path)) + ".xmp"
		stagedSidecar = fmt.Sprintf("%s.%s.tmp", finalSidecar, txID)
		if err := e.ensureSpace(keeper.Path, 1<<16); err != nil {
			return nil, err
		}
		if err := writeSidecar(stagedSidecar, plan.Changes); err != nil {
			return nil, types.NewError(types.EnvironmentError, "executor", "stage_failed",
				fmt.Sprintf("cannot stage sidecar for %s", types.ShortPath(keeper.Path)), err)
		}
	}

	keeperHash, err := hashFile(keeper.Path)
	if err != nil {
		_ = os.Remove(stagedSidecar)
		return nil, types.NewError(types.EnvironmentError, "executor", "io_error",
			fmt.Sprintf("cannot hash %s", types.ShortPath(keeper.Path)), err)
	}

	// Begin transaction: durable row before any filesystem mutation.
	tx := &types.MergeTransaction{
		ID:           txID,
		CreatedAt:    time.Now().UTC(),
		UndoDeadline: time.Now().UTC().Add(e.retention),
		Payload: types.TxPayload{
			KeeperID:     plan.KeeperID,
			KeeperHash:   keeperHash,
			FieldChanges: plan.Changes,
			SidecarPath:  finalSidecar,
		},
	}
	for _, f := range trashFiles {
		tx.Payload.Trashed = append(tx.Payload.Trashed, types.TrashedEntry{
			FileID:       f.ID,
			OriginalPath: f.Path,
			Size:         f.Size,
		})
	}
	if err := e.store.RecordTransaction(tx); err != nil {
		_ = os.Remove(stagedSidecar)
		return nil, err
	}

	// Commit: atomic renames, then recycle-bin moves. Journal enough to
	// rewind in reverse order.
	if stagedSidecar != "" {
		if err := os.Rename(stagedSidecar, finalSidecar); err != nil {
			_ = os.Remove(stagedSidecar)
			e.rollback(tx, 0, "")
			return nil, types.NewError(types.EnvironmentError, "executor", "commit_failed",
				fmt.Sprintf("cannot place sidecar for %s", types.ShortPath(keeper.Path)), err)
		}
	}

	for i := range trashFiles {
		token, err := e.bin.Put(trashFiles[i].Path)
		if err != nil {
			e.rollback(tx, i, finalSidecar)
			return nil, types.NewError(types.EnvironmentError, "executor", "trash_failed",
				fmt.Sprintf("cannot recycle %s", types.ShortPath(trashFiles[i].Path)), err)
		}
		tx.Payload.Trashed[i].RecycleToken = token
	}

	// Finalize: persist tokens, flip trashed flags, apply field changes,
	// resolve the group.
	if err := e.store.RecordTransaction(tx); err != nil {
		e.rollback(tx, len(trashFiles), finalSidecar)
		return nil, err
	}
	for _, f := range trashFiles {
		if err := e.store.SetTrashed(f.ID, true); err != nil {
			logger.Warn("trashed flag not persisted", "file", f.ID, "err", err)
		}
	}
	if err := e.applyFieldChanges(plan.KeeperID, plan.Changes, false); err != nil {
		logger.Warn("keeper metadata union not applied", "err", err)
	}
	if err := e.store.SetGroupStatus(plan.GroupID, types.GroupResolved); err != nil {
		logger.Warn("group status not updated", "group", plan.GroupID, "err", err)
	}

	return &MergeResult{TxID: txID, TrashedFileIDs: plan.Trash, SidecarPath: finalSidecar}, nil
}

// precheck validates a plan against the store and the filesystem.
func (e *Executor) precheck(plan *types.MergePlan) (*types.File, []*types.File, error) {
	if plan == nil || len(plan.Trash) == 0 {
		return nil, nil, types.NewError(types.UserError, "executor", "empty_plan",
			"nothing to merge", nil)
	}
	for _, id := range plan.Trash {
		if id == plan.KeeperID {
			return nil, nil, types.NewError(types.InvariantError, "executor", "keeper_in_trash",
				"keeper also listed for trashing", nil)
		}
	}

	keeper, err := e.store.FetchFileByID(plan.KeeperID)
	if err != nil {
		return nil, nil, err
	}
	if keeper == nil || keeper.Trashed {
		return nil, nil, types.NewError(types.UserError, "executor", "keeper_unavailable",
			"keeper is missing or already trashed", nil)
	}
	if _, err := os.Stat(keeper.Path); err != nil {
		return nil, nil, types.NewError(types.EnvironmentError, "executor", "unresolvable",
			fmt.Sprintf("cannot resolve %s", types.ShortPath(keeper.Path)), err)
	}

	var trashFiles []*types.File
	for _, id := range plan.Trash {
		f, err := e.store.FetchFileByID(id)
		if err != nil {
			return nil, nil, err
		}
		if f == nil || f.Trashed {
			return nil, nil, types.NewError(types.UserError, "executor", "member_trashed",
				"a member is missing or already trashed", nil)
		}
		if _, err := os.Stat(f.Path); err != nil {
			return nil, nil, types.NewError(types.EnvironmentError, "executor", "unresolvable",
				fmt.Sprintf("cannot resolve %s", types.ShortPath(f.Path)), err)
		}
		trashFiles = append(trashFiles, f)
	}
	return keeper, trashFiles, nil
}

// rollback rewinds a partially committed transaction in reverse order:
// restore files already recycled, remove the placed sidecar, then stamp
// the transaction row undone.
func (e *Executor) rollback(tx *types.MergeTransaction, recycled int, sidecar string) {
	for i := recycled - 1; i >= 0; i-- {
		entry := tx.Payload.Trashed[i]
		if len(entry.RecycleToken) == 0 {
			continue
		}
		if err := e.bin.Restore(entry.RecycleToken, entry.OriginalPath); err != nil {
			logger.Error("rollback could not restore file",
				"path", types.ShortPath(entry.OriginalPath), "err", err)
		}
	}
	if sidecar != "" {
		_ = os.Remove(sidecar)
	}
	if err := e.store.MarkTransactionUndone(tx.ID, time.Now().UTC()); err != nil {
		logger.Error("rollback could not retire transaction row", "tx", tx.ID, "err", err)
	}
}

// UndoResult reports one undo attempt.
type UndoResult struct {
	TxID            types.TxID
	RestoredFileIDs []types.FileID
	FailedPaths     []string
	Success         bool
}

// UndoLast restores the most recent transaction. Entries whose recycle
// token no longer resolves are reported in FailedPaths; the remaining
// entries are still restored.
func (e *Executor) UndoLast(ctx context.Context) (*UndoResult, error) {
	tx, err := e.store.LastTransaction()
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, types.NewError(types.UserError, "executor", "nothing_to_undo",
			"the undo log is empty", nil)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &UndoResult{TxID: tx.ID}
	for _, entry := range tx.Payload.Trashed {
		if err := e.bin.Restore(entry.RecycleToken, entry.OriginalPath); err != nil {
			logger.Warn("undo could not restore",
				"path", types.ShortPath(entry.OriginalPath), "err", err)
			res.FailedPaths = append(res.FailedPaths, entry.OriginalPath)
			continue
		}
		res.RestoredFileIDs = append(res.RestoredFileIDs, entry.FileID)
		if err := e.store.SetTrashed(entry.FileID, false); err != nil {
			logger.Warn("untrashed flag not persisted", "file", entry.FileID, "err", err)
		}
	}

	// Reverse keeper metadata changes and drop the sidecar, provided the
	// keeper bytes are still the pre-merge bytes.
	if keeper, err := e.store.FetchFileByID(tx.Payload.KeeperID); err == nil && keeper != nil {
		if cur, err := hashFile(keeper.Path); err == nil && string(cur) == string(tx.Payload.KeeperHash) {
			if err := e.applyFieldChanges(tx.Payload.KeeperID, tx.Payload.FieldChanges, true); err != nil {
				logger.Warn("keeper metadata not reverted", "err", err)
			}
			if tx.Payload.SidecarPath != "" {
				_ = os.Remove(tx.Payload.SidecarPath)
			}
		} else {
			logger.Warn("keeper mutated since merge, leaving its metadata in place",
				"path", types.ShortPath(keeper.Path))
		}
	}

	if err := e.store.MarkTransactionUndone(tx.ID, time.Now().UTC()); err != nil {
		return res, err
	}
	res.Success = len(res.FailedPaths) == 0
	return res, nil
}

// Reap purges undo-log rows older than the retention window. The trashed
// files stay in the OS recycle bin under OS policy.
func (e *Executor) Reap() (int64, error) {
	return e.store.ReapTransactions(time.Now().UTC().Add(-e.retention))
}

// applyFieldChanges applies (or reverts) a plan's field union to the
// keeper's metadata record.
func (e *Executor) applyFieldChanges(keeperID types.FileID, changes []types.FieldChange, revert bool) error {
	if len(changes) == 0 {
		return nil
	}
	metaMap, err := e.store.MetadataByFileIDs([]types.FileID{keeperID})
	if err != nil {
		return err
	}
	m := metaMap[keeperID]
	if m == nil {
		m = &types.MediaMetadata{FileID: keeperID}
	}

	for _, c := range changes {
		value := c.To
		if revert {
			value = c.From
		}
		switch c.Field {
		case "captureTime":
			if value == "" {
				m.CaptureTime = nil
			} else if t, err := time.Parse(time.RFC3339, value); err == nil {
				utc := t.UTC()
				m.CaptureTime = &utc
			}
		case "gps":
			if value == "" {
				m.Latitude, m.Longitude = nil, nil
			} else {
				var lat, lon float64
				if _, err := fmt.Sscanf(value, "%f,%f", &lat, &lon); err == nil {
					m.Latitude, m.Longitude = &lat, &lon
				}
			}
		case "cameraModel":
			m.CameraModel = value
		case "contentTag":
			m.ContentTag = value
		case "keywords":
			if revert {
				m.Keywords = removeKeyword(m.Keywords, c.To)
			} else if !containsKeyword(m.Keywords, value) {
				m.Keywords = append(m.Keywords, value)
			}
		}
	}
	return e.store.SaveMetadata(m)
}

func containsKeyword(list []string, k string) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func removeKeyword(list []string, k string) []string {
	out := list[:0]
	for _, v := range list {
		if v != k {
			out = append(out, v)
		}
	}
	return out
}

// xmpMeta is the minimal sidecar document carrying the merged fields.
type xmpMeta struct {
	XMLName xml.Name   `xml:"x:xmpmeta"`
	NS      string     `xml:"xmlns:x,attr"`
	Fields  []xmpField `xml:"rdf:Description>field"`
}

type xmpField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// writeSidecar stages an XMP sidecar holding the merged fields.
func writeSidecar(path string, changes []types.FieldChange) error {
	doc := xmpMeta{NS: "adobe:ns:meta/"}
	for _, c := range changes {
		doc.Fields = append(doc.Fields, xmpField{Name: c.Field, Value: c.To})
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

// hashFile streams a file through SHA-256.
func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
