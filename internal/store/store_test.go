package store

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dupekit/dupekit/internal/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	return s
}

func newFile(path string, size int64, dev, ino uint64) *types.File {
	return &types.File{
		ID:       types.NewFileID(),
		Path:     path,
		Kind:     types.KindForPath(path),
		Size:     size,
		ModTime:  time.Unix(1700000000, 0).UTC(),
		Identity: types.Identity{Dev: dev, Ino: ino, Nlink: 1},
	}
}

func TestFileRoundTripAndIdentityLookup(t *testing.T) {
	s := openTest(t)
	f := newFile("/photos/a.jpg", 4_000_000, 1, 100)
	require.NoError(t, s.SaveFile(f))

	got, err := s.FindByIdentity(1, 100)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, f.Identity, got.Identity)
	assert.Equal(t, types.KindPhoto, got.Kind)

	got, err = s.FindByPath("/photos/a.jpg")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, f.ID, got.ID)

	missing, err := s.FindByIdentity(9, 9)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInvalidateSignaturesEvictsIgnorePairs(t *testing.T) {
	s := openTest(t)
	a := newFile("/p/a.jpg", 100, 1, 1)
	b := newFile("/p/b.jpg", 100, 1, 2)
	require.NoError(t, s.SaveFile(a))
	require.NoError(t, s.SaveFile(b))

	require.NoError(t, s.SaveImageSigs(a.ID, []types.ImageSignature{
		{FileID: a.ID, Algorithm: types.AlgDHash, Hash: 42, Width: 10, Height: 10, ComputedAt: time.Now()},
	}))
	require.NoError(t, s.AddIgnorePair(a.ID, b.ID))

	pairs, err := s.IgnorePairs()
	require.NoError(t, err)
	assert.Len(t, pairs, 1)

	require.NoError(t, s.InvalidateSignatures(a.ID))

	sigs, err := s.ImageSigsByFileIDs([]types.FileID{a.ID})
	require.NoError(t, err)
	assert.Empty(t, sigs[a.ID])

	pairs, err = s.IgnorePairs()
	require.NoError(t, err)
	assert.Empty(t, pairs, "file mutation must evict its ignore pairs")

	got, err := s.FetchFileByID(a.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsMetadata)
	assert.True(t, got.NeedsSignature)
	assert.Nil(t, got.Checksum)
}

func TestIgnorePairSymmetry(t *testing.T) {
	s := openTest(t)
	a := newFile("/p/a.jpg", 100, 1, 1)
	b := newFile("/p/b.jpg", 100, 1, 2)
	require.NoError(t, s.SaveFile(a))
	require.NoError(t, s.SaveFile(b))

	require.NoError(t, s.AddIgnorePair(b.ID, a.ID)) // reversed order
	pairs, err := s.IgnorePairs()
	require.NoError(t, err)

	canon := types.IgnorePair{A: a.ID, B: b.ID}.Canonical()
	assert.True(t, pairs[canon], "pair not canonicalized: %v", pairs)

	require.NoError(t, s.RemoveIgnorePair(a.ID, b.ID))
	pairs, err = s.IgnorePairs()
	require.NoError(t, err)
	assert.Empty(t, pairs)

	assert.Error(t, s.AddIgnorePair(a.ID, a.ID), "self pair must be rejected")
}

func TestReplaceOpenGroupsInvariant(t *testing.T) {
	s := openTest(t)
	a := newFile("/p/a.jpg", 100, 1, 1)
	b := newFile("/p/b.jpg", 100, 1, 2)
	c := newFile("/p/c.jpg", 100, 1, 3)
	for _, f := range []*types.File{a, b, c} {
		require.NoError(t, s.SaveFile(f))
	}

	mk := func(members ...*types.File) GroupResult {
		ids := make([]types.FileID, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}
		gid := types.DeriveGroupID(types.SortFileIDs(ids))
		res := GroupResult{Group: types.DuplicateGroup{
			ID: gid, CreatedAt: time.Now().UTC(), Status: types.GroupOpen, Confidence: 0.9,
		}}
		for _, id := range ids {
			res.Members = append(res.Members, types.GroupMember{GroupID: gid, FileID: id, HammingToKeeper: -1})
		}
		return res
	}

	require.NoError(t, s.ReplaceOpenGroups([]types.FileID{a.ID, b.ID}, []GroupResult{mk(a, b)}))
	groups, err := s.FetchAllGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	// Rebuilding over {a, b, c} replaces the old open group; a is never
	// in two open groups.
	require.NoError(t, s.ReplaceOpenGroups([]types.FileID{a.ID, b.ID, c.ID}, []GroupResult{mk(a, c)}))
	groups, err = s.FetchAllGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
}

func TestGroupEvidencePersisted(t *testing.T) {
	s := openTest(t)
	a := newFile("/p/a.jpg", 100, 1, 1)
	b := newFile("/p/b.jpg", 100, 1, 2)
	require.NoError(t, s.SaveFile(a))
	require.NoError(t, s.SaveFile(b))

	ids := types.SortFileIDs([]types.FileID{a.ID, b.ID})
	gid := types.DeriveGroupID(ids)
	res := GroupResult{
		Group: types.DuplicateGroup{ID: gid, CreatedAt: time.Now().UTC(), Status: types.GroupOpen, Confidence: 1.0},
		Members: []types.GroupMember{
			{GroupID: gid, FileID: a.ID, KeeperSuggestion: true, HammingToKeeper: 0, Signals: []types.SignalContribution{
				{Key: "checksum", Weight: 0.4, Raw: 1, Contribution: 0.4, Rationale: "sha-256 equal"},
			}},
			{GroupID: gid, FileID: b.ID, HammingToKeeper: 3, NameToKeeper: 0.95},
		},
	}
	require.NoError(t, s.ReplaceOpenGroups(ids, []GroupResult{res}))

	got, err := s.FetchGroupByID(gid)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Members, 2)

	var keeper *types.GroupMember
	for i := range got.Members {
		if got.Members[i].KeeperSuggestion {
			keeper = &got.Members[i]
		}
	}
	require.NotNil(t, keeper)
	require.Len(t, keeper.Signals, 1)
	assert.Equal(t, "checksum", keeper.Signals[0].Key)
	assert.Equal(t, 0.4, keeper.Signals[0].Contribution)
}

func TestQueryHelpers(t *testing.T) {
	s := openTest(t)
	a := newFile("/p/a.jpg", 1000, 1, 1)
	v := newFile("/v/clip.mp4", 5000, 1, 2)
	require.NoError(t, s.SaveFile(a))
	require.NoError(t, s.SaveFile(v))

	dur := 45.0
	require.NoError(t, s.SaveMetadata(&types.MediaMetadata{FileID: a.ID, Width: 1920, Height: 1080}))
	require.NoError(t, s.SaveMetadata(&types.MediaMetadata{FileID: v.ID, Width: 1920, Height: 1080, Duration: &dur}))

	bySize, err := s.FetchByFileSize(500, 2000, types.KindPhoto)
	require.NoError(t, err)
	require.Len(t, bySize, 1)
	assert.Equal(t, a.ID, bySize[0].ID)

	byDims, err := s.FetchByDimensions(1920, 1080, types.KindVideo)
	require.NoError(t, err)
	require.Len(t, byDims, 1)
	assert.Equal(t, v.ID, byDims[0].ID)

	byDur, err := s.FetchVideosByDuration(40, 50)
	require.NoError(t, err)
	require.Len(t, byDur, 1)
	assert.Equal(t, v.ID, byDur[0].ID)
}

func TestTransactionsAndReaping(t *testing.T) {
	s := openTest(t)
	keeper := newFile("/p/keep.jpg", 100, 1, 1)
	require.NoError(t, s.SaveFile(keeper))

	sum := sha256.Sum256([]byte("keeper"))
	now := time.Now().UTC().Truncate(time.Second)
	tx := &types.MergeTransaction{
		ID:           types.NewFileID(),
		CreatedAt:    now,
		UndoDeadline: now.Add(30 * 24 * time.Hour),
		Payload: types.TxPayload{
			KeeperID:   keeper.ID,
			KeeperHash: sum[:],
			Trashed: []types.TrashedEntry{
				{FileID: types.NewFileID(), OriginalPath: "/p/dup.jpg", Size: 100, RecycleToken: []byte("tok-1")},
			},
		},
	}
	require.NoError(t, s.RecordTransaction(tx))

	last, err := s.LastTransaction()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, tx.ID, last.ID)
	assert.Equal(t, keeper.ID, last.Payload.KeeperID)
	assert.Equal(t, []byte("tok-1"), last.Payload.Trashed[0].RecycleToken)

	require.NoError(t, s.MarkTransactionUndone(tx.ID, now.Add(time.Minute)))
	last, err = s.LastTransaction()
	require.NoError(t, err)
	assert.Nil(t, last, "undone transaction still returned")

	n, err := s.ReapTransactions(now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPreferencesWriteThrough(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SetPreference(PrefCaptureTimeSource, "string", "modified"))
	var v string
	ok, err := s.PreferenceValue(PrefCaptureTimeSource, &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "modified", v)

	ok, err = s.PreferenceValue("missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchemaVersionRecorded(t *testing.T) {
	s := openTest(t)
	var info schemaInfo
	require.NoError(t, s.db.First(&info, 1).Error)
	assert.Equal(t, schemaVersion, info.Version)
}
