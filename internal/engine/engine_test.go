package engine

import (
	"context"
	"crypto/sha256"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/types"
)

type fixture struct {
	t   *testing.T
	st  *store.Store
	e   *Engine
	ino uint64
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	return &fixture{t: t, st: st, e: New(st, nil, opts, Hooks{})}
}

type fileSpec struct {
	path     string
	size     int64
	width    int
	height   int
	dhash    *uint64
	checksum []byte
	capture  *time.Time
	duration *float64
	frames   []uint64
	kind     types.MediaKind
}

func (fx *fixture) addFile(spec fileSpec) types.FileID {
	fx.t.Helper()
	kind := spec.kind
	if kind == types.KindOther {
		kind = types.KindForPath(spec.path)
	}
	fx.ino++
	f := &types.File{
		ID:       types.NewFileID(),
		Path:     spec.path,
		Kind:     kind,
		Size:     spec.size,
		ModTime:  time.Unix(1700000000, 0).UTC(),
		Identity: types.Identity{Dev: 1, Ino: fx.ino},
		Checksum: spec.checksum,
	}
	require.NoError(fx.t, fx.st.SaveFile(f))

	m := &types.MediaMetadata{
		FileID: f.ID, Width: spec.width, Height: spec.height,
		CaptureTime: spec.capture, Duration: spec.duration,
	}
	require.NoError(fx.t, fx.st.SaveMetadata(m))

	if spec.dhash != nil {
		require.NoError(fx.t, fx.st.SaveImageSigs(f.ID, []types.ImageSignature{{
			FileID: f.ID, Algorithm: types.AlgDHash, Hash: *spec.dhash,
			Width: spec.width, Height: spec.height, ComputedAt: time.Now(),
		}}))
	}
	if spec.frames != nil {
		times := make([]float64, len(spec.frames))
		for i := range times {
			times[i] = float64(i) * 10
		}
		require.NoError(fx.t, fx.st.SaveVideoSig(&types.VideoSignature{
			FileID: f.ID, Duration: *spec.duration,
			Width: spec.width, Height: spec.height,
			FrameHashes: spec.frames, SampleTimes: times, ComputedAt: time.Now(),
		}))
	}
	return f.ID
}

func sum(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func u64(v uint64) *uint64 { return &v }

func f64(v float64) *float64 { return &v }

func groupWith(results []store.GroupResult, ids ...types.FileID) *store.GroupResult {
	for i := range results {
		have := make(map[types.FileID]bool)
		for _, m := range results[i].Members {
			have[m.FileID] = true
		}
		all := true
		for _, id := range ids {
			if !have[id] {
				all = false
			}
		}
		if all {
			return &results[i]
		}
	}
	return nil
}

// TestCopyAndEditScenario: a byte-identical copy and a near-identical
// edit all land in one group with the original.
func TestCopyAndEditScenario(t *testing.T) {
	fx := newFixture(t, Options{})
	capture := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	base := uint64(0x1234567890abcdef)
	a := fx.addFile(fileSpec{path: "/p/a.jpg", size: 4_000_000, width: 1920, height: 1080,
		dhash: u64(base), checksum: sum("original"), capture: &capture})
	aCopy := fx.addFile(fileSpec{path: "/p/a_copy.jpg", size: 4_000_000, width: 1920, height: 1080,
		dhash: u64(base), checksum: sum("original"), capture: &capture})
	aEdit := fx.addFile(fileSpec{path: "/p/a_edit.jpg", size: 3_990_000, width: 1920, height: 1080,
		dhash: u64(base ^ 0b111), checksum: sum("edited"), capture: &capture})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{a, aCopy, aEdit})
	require.NoError(t, err)

	g := groupWith(results, a, aCopy, aEdit)
	require.NotNil(t, g, "expected one group containing all three files")
	assert.Len(t, g.Members, 3)
	assert.GreaterOrEqual(t, g.Group.Confidence, 0.60)

	// Keeper falls to a.jpg through the final path tiebreak; the copy's
	// evidence against it is the checksum edge, the edit's the hash edge.
	for _, m := range g.Members {
		switch m.FileID {
		case a:
			assert.True(t, m.KeeperSuggestion, "a.jpg should be the keeper")
		case aCopy:
			require.NotEmpty(t, m.Signals)
			assert.Equal(t, "checksum", m.Signals[0].Key)
			assert.Equal(t, 0, m.HammingToKeeper)
		case aEdit:
			assert.Equal(t, 3, m.HammingToKeeper)
		}
	}
}

// TestAllIdenticalChecksumGroup: n byte-identical files form exactly one
// group at confidence 1.0 with checksum rationales.
func TestAllIdenticalChecksumGroup(t *testing.T) {
	fx := newFixture(t, Options{})
	var ids []types.FileID
	for _, name := range []string{"/p/x1.jpg", "/p/x2.jpg", "/q/x3.jpg", "/q/x4.jpg"} {
		ids = append(ids, fx.addFile(fileSpec{
			path: name, size: 1_000_000, width: 800, height: 600,
			dhash: u64(42), checksum: sum("identical"),
		}))
	}

	results, err := fx.e.BuildGroups(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Members, 4)
	assert.Equal(t, 1.0, results[0].Group.Confidence)

	for _, m := range results[0].Members {
		if m.KeeperSuggestion {
			continue
		}
		require.NotEmpty(t, m.Signals)
		assert.Equal(t, "checksum", m.Signals[0].Key)
		assert.Equal(t, "sha-256 equal", m.Signals[0].Rationale)
	}
}

// TestIgnorePairSuppressesGroup: an ignored pair never appears together.
func TestIgnorePairSuppressesGroup(t *testing.T) {
	fx := newFixture(t, Options{})
	a := fx.addFile(fileSpec{path: "/p/a.jpg", size: 1000, width: 100, height: 100,
		dhash: u64(7), checksum: sum("same")})
	b := fx.addFile(fileSpec{path: "/p/b.jpg", size: 1000, width: 100, height: 100,
		dhash: u64(7), checksum: sum("same")})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{a, b})
	require.NoError(t, err)
	require.NotNil(t, groupWith(results, a, b), "sanity: pair groups before ignoring")

	require.NoError(t, fx.st.AddIgnorePair(a, b))
	results, err = fx.e.BuildGroups(context.Background(), []types.FileID{a, b})
	require.NoError(t, err)
	assert.Nil(t, groupWith(results, a, b), "ignored pair must never group together")
}

// TestRawJpegPolicy: a RAW+JPEG pair sharing stem and capture second
// links into one group with the RAW as keeper.
func TestRawJpegPolicy(t *testing.T) {
	fx := newFixture(t, Options{LinkRawJpeg: true})
	capture := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	raw := fx.addFile(fileSpec{path: "/p/img1234.CR2", size: 20_000_000,
		width: 4000, height: 3000, capture: &capture, checksum: sum("raw")})
	jpg := fx.addFile(fileSpec{path: "/p/img1234.JPG", size: 3_000_000,
		width: 4000, height: 3000, capture: &capture, checksum: sum("jpg"),
		dhash: u64(99)})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{raw, jpg})
	require.NoError(t, err)

	g := groupWith(results, raw, jpg)
	require.NotNil(t, g, "policy must link the RAW+JPEG pair")

	var keeper types.FileID
	var jpgMember *types.GroupMember
	for i, m := range g.Members {
		if m.KeeperSuggestion {
			keeper = m.FileID
		}
		if m.FileID == jpg {
			jpgMember = &g.Members[i]
		}
	}
	assert.Equal(t, raw, keeper, "RAW should be the suggested keeper")
	require.NotNil(t, jpgMember)
	found := false
	for _, s := range jpgMember.Signals {
		if s.Key == "raw_jpeg" {
			found = true
			assert.Equal(t, bonusRawJpeg, s.Contribution)
		}
	}
	assert.True(t, found, "raw_jpeg link missing from evidence: %+v", jpgMember.Signals)
}

// TestRawJpegPolicyOff: with the toggle off, no link is added.
func TestRawJpegPolicyOff(t *testing.T) {
	fx := newFixture(t, Options{})
	capture := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	raw := fx.addFile(fileSpec{path: "/p/img1234.CR2", size: 20_000_000,
		width: 4000, height: 3000, capture: &capture, checksum: sum("raw")})
	jpg := fx.addFile(fileSpec{path: "/p/img1234.JPG", size: 3_000_000,
		width: 4000, height: 3000, capture: &capture, checksum: sum("jpg")})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{raw, jpg})
	require.NoError(t, err)
	assert.Nil(t, groupWith(results, raw, jpg))
}

// TestLivePhotoPolicy: HEIC + MOV sharing stem within one second bundle.
func TestLivePhotoPolicy(t *testing.T) {
	fx := newFixture(t, Options{LinkLivePhoto: true})
	still := time.Date(2024, 1, 2, 10, 0, 1, 0, time.UTC)
	motion := still.Add(500 * time.Millisecond)

	heic := fx.addFile(fileSpec{path: "/p/L1.HEIC", size: 3_000_000,
		width: 4000, height: 3000, capture: &still, checksum: sum("heic")})
	mov := fx.addFile(fileSpec{path: "/p/L1.MOV", size: 2_000_000,
		width: 1920, height: 1440, capture: &motion, checksum: sum("mov"),
		duration: f64(1.5), kind: types.KindVideo})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{heic, mov})
	require.NoError(t, err)
	require.NotNil(t, groupWith(results, heic, mov), "live photo bundle missing")
}

// TestVideoReencodeScenario: near-identical frame hashes and a duration
// delta inside tolerance group two encodes of one clip.
func TestVideoReencodeScenario(t *testing.T) {
	fx := newFixture(t, Options{})
	capture := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	a := fx.addFile(fileSpec{path: "/v/clipA.mp4", size: 80_000_000,
		width: 1920, height: 1080, capture: &capture, checksum: sum("a"),
		duration: f64(45.0), frames: []uint64{0xff00, 0x00ff, 0xf0f0}, kind: types.KindVideo})
	b := fx.addFile(fileSpec{path: "/v/clipA_small.mp4", size: 20_000_000,
		width: 1920, height: 1080, capture: &capture, checksum: sum("b"),
		duration: f64(45.3), frames: []uint64{0xff01, 0x00fd, 0xf0f1}, kind: types.KindVideo})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{a, b})
	require.NoError(t, err)

	g := groupWith(results, a, b)
	require.NotNil(t, g, "re-encoded clip should group with the original")
	for _, m := range g.Members {
		for _, p := range m.Penalties {
			assert.NotEqual(t, "duration", p.Key, "0.3s delta is inside tolerance")
		}
	}
}

// TestVideoDurationPenalty: beyond tolerance the penalty applies.
func TestVideoDurationPenalty(t *testing.T) {
	fx := newFixture(t, Options{})

	mk := func(path string, dur float64, content string) *asset {
		d := dur
		id := fx.addFile(fileSpec{path: path, size: 10_000_000, width: 1920, height: 1080,
			checksum: sum(content), duration: &d,
			frames: []uint64{1, 2, 3}, kind: types.KindVideo})
		assets, err := fx.e.loadAssets([]types.FileID{id})
		require.NoError(t, err)
		return assets[id]
	}

	a := mk("/v/a.mp4", 45.0, "a")
	b := mk("/v/b.mp4", 60.0, "b")

	ps := fx.e.scorePair(a, b)
	found := false
	for _, p := range ps.penalties {
		if p.Key == "duration" {
			found = true
		}
	}
	assert.True(t, found, "15s delta must be penalized: %+v", ps.penalties)
}

// TestDeterministicBuildGroups: two consecutive calls return identical
// group sets and member orderings.
func TestDeterministicBuildGroups(t *testing.T) {
	fx := newFixture(t, Options{LinkRawJpeg: true, LinkLivePhoto: true})
	capture := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []types.FileID
	for i := 0; i < 6; i++ {
		ids = append(ids, fx.addFile(fileSpec{
			path: "/p/batch_" + string(rune('a'+i)) + ".jpg",
			size: 2_000_000, width: 1920, height: 1080,
			dhash: u64(0xabc0 ^ uint64(i&1)), checksum: sum("batch"),
			capture: &capture,
		}))
	}

	r1, err := fx.e.BuildGroups(context.Background(), ids)
	require.NoError(t, err)
	r2, err := fx.e.BuildGroups(context.Background(), ids)
	require.NoError(t, err)

	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		assert.Equal(t, r1[i].Group.ID, r2[i].Group.ID)
		assert.Equal(t, r1[i].Group.Confidence, r2[i].Group.Confidence)
		require.Equal(t, len(r1[i].Members), len(r2[i].Members))
		for j := range r1[i].Members {
			assert.Equal(t, r1[i].Members[j].FileID, r2[i].Members[j].FileID)
		}
	}
}

// TestBKTreePathMatchesLinear: the tree-accelerated bucket comparison
// produces the same groups as the linear path.
func TestBKTreePathMatchesLinear(t *testing.T) {
	mkIDs := func(fx *fixture) []types.FileID {
		var ids []types.FileID
		// 70 photos in one dims bucket: a cluster of near hashes plus
		// scattered far hashes, all same size band and geometry.
		for i := 0; i < 70; i++ {
			h := uint64(0x5555555555550000) + uint64(i)*0x10001
			if i%10 == 0 {
				h = 0x1111111111111111 // exact-hash cluster
			} else if i%7 == 0 {
				h = 0xaaaa000000000000 ^ (uint64(i) << 1) // near cluster
			}
			ids = append(ids, fx.addFile(fileSpec{
				path: "/p/shot_" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + ".jpg",
				size: 3_000_000, width: 1920, height: 1080,
				dhash: u64(h), checksum: sum("c" + string(rune(i))),
			}))
		}
		return ids
	}

	linear := newFixture(t, Options{UseBKTree: false})
	linearIDs := mkIDs(linear)
	rLinear, err := linear.e.BuildGroups(context.Background(), linearIDs)
	require.NoError(t, err)

	tree := newFixture(t, Options{UseBKTree: true})
	treeIDs := mkIDs(tree)
	rTree, err := tree.e.BuildGroups(context.Background(), treeIDs)
	require.NoError(t, err)

	// Compare group shapes (ids differ across stores): sizes and counts.
	sizes := func(rs []store.GroupResult) []int {
		var out []int
		for _, r := range rs {
			out = append(out, len(r.Members))
		}
		sort.Ints(out)
		return out
	}
	assert.Equal(t, sizes(rLinear), sizes(rTree))
}

// TestExplain: persisted evidence is retrievable with a label.
func TestExplain(t *testing.T) {
	fx := newFixture(t, Options{})
	a := fx.addFile(fileSpec{path: "/p/a.jpg", size: 1000, width: 10, height: 10,
		checksum: sum("same"), dhash: u64(5)})
	b := fx.addFile(fileSpec{path: "/p/b.jpg", size: 1000, width: 10, height: 10,
		checksum: sum("same"), dhash: u64(5)})

	results, err := fx.e.BuildGroups(context.Background(), []types.FileID{a, b})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r, err := fx.e.Explain(results[0].Group.ID)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", r.Label)
	assert.Len(t, r.Members, 2)

	_, err = fx.e.Explain(types.NewFileID())
	assert.Error(t, err)
}
