// Package merge plans group merges without side effects.
//
// The planner picks a keeper through a fixed rule cascade and computes
// the metadata field union the executor will apply. Plans are pure
// previews: nothing is read from or written to disk here.
package merge

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dupekit/dupekit/internal/types"
)

// formatRank orders photo containers for the keeper cascade. Lower is
// better.
func formatRank(path string) int {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case types.IsRawPath(path):
		return 0
	case ext == ".heic" || ext == ".heif":
		return 1
	case ext == ".png":
		return 2
	case ext == ".jpg" || ext == ".jpeg":
		return 3
	}
	return 4
}

// audioFormatRank prefers lossless audio containers.
func audioFormatRank(path string) int {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac", ".wav", ".aiff", ".aif":
		return 0
	default:
		return 1
	}
}

// SuggestKeeper applies the keeper cascade to a group's files. Rules
// apply in order; the first decisive rule wins. The final path tiebreak
// makes the result deterministic for any input.
func SuggestKeeper(files []*types.File, meta map[types.FileID]*types.MediaMetadata, override *types.FileID) types.FileID {
	if len(files) == 0 {
		return types.FileID{}
	}
	if override != nil {
		for _, f := range files {
			if f.ID == *override {
				return *override
			}
		}
	}

	ranked := RankMembers(files, meta)
	return ranked[0].ID
}

// RankMembers sorts a group's files best-first by the keeper cascade.
func RankMembers(files []*types.File, meta map[types.FileID]*types.MediaMetadata) []*types.File {
	ranked := make([]*types.File, len(files))
	copy(ranked, files)
	sort.SliceStable(ranked, func(i, j int) bool {
		return lessKeeper(ranked[i], ranked[j], meta)
	})
	return ranked
}

// lessKeeper reports whether a is a better keeper than b.
func lessKeeper(a, b *types.File, meta map[types.FileID]*types.MediaMetadata) bool {
	ma, mb := meta[a.ID], meta[b.ID]

	// Pixel count for photos and videos; bitrate for audio.
	if a.Kind == types.KindAudio && b.Kind == types.KindAudio {
		ba, bb := bitrate(a, ma), bitrate(b, mb)
		if ba != bb {
			return ba > bb
		}
	} else {
		pa, pb := pixels(ma), pixels(mb)
		if pa != pb {
			return pa > pb
		}
	}

	if a.Size != b.Size {
		return a.Size > b.Size
	}

	var ra, rb int
	if a.Kind == types.KindAudio && b.Kind == types.KindAudio {
		ra, rb = audioFormatRank(a.Path), audioFormatRank(b.Path)
	} else {
		ra, rb = formatRank(a.Path), formatRank(b.Path)
	}
	if ra != rb {
		return ra < rb
	}

	ca, cb := captureOf(ma), captureOf(mb)
	switch {
	case ca != nil && cb == nil:
		return true
	case ca == nil && cb != nil:
		return false
	case ca != nil && cb != nil && !ca.Equal(*cb):
		return ca.Before(*cb)
	}

	if wa, wb := metadataRichness(ma), metadataRichness(mb); wa != wb {
		return wa > wb
	}

	return a.Path < b.Path
}

func pixels(m *types.MediaMetadata) int {
	if m == nil {
		return 0
	}
	return m.Width * m.Height
}

// bitrate approximates audio bitrate as size over duration.
func bitrate(f *types.File, m *types.MediaMetadata) float64 {
	if m == nil || m.Duration == nil || *m.Duration <= 0 {
		return 0
	}
	return float64(f.Size) / *m.Duration
}

func captureOf(m *types.MediaMetadata) *time.Time {
	if m == nil {
		return nil
	}
	return m.CaptureTime
}

// metadataRichness counts GPS, keywords, and camera model presence.
func metadataRichness(m *types.MediaMetadata) int {
	if m == nil {
		return 0
	}
	n := 0
	if m.Latitude != nil {
		n += 2
	}
	n += len(m.Keywords)
	if m.CameraModel != "" {
		n++
	}
	return n
}

// Plan builds a MergePlan for a group. keeperOverride selects the keeper
// when non-nil and a member of the group. The trash list is ordered by
// keeper rank, so the best remaining copy is restored first on undo.
func Plan(groupID types.GroupID, files []*types.File, meta map[types.FileID]*types.MediaMetadata, keeperOverride *types.FileID) (*types.MergePlan, error) {
	if len(files) < 2 {
		return nil, types.NewError(types.UserError, "merge", "group_too_small",
			"a merge needs at least two files", nil)
	}
	for _, f := range files {
		if f.Trashed {
			return nil, types.NewError(types.UserError, "merge", "member_trashed",
				fmt.Sprintf("%s is already in the recycle bin", types.ShortPath(f.Path)), nil)
		}
	}

	keeper := SuggestKeeper(files, meta, keeperOverride)
	ranked := RankMembers(files, meta)

	plan := &types.MergePlan{GroupID: groupID, KeeperID: keeper}
	var donors []*types.File
	for _, f := range ranked {
		if f.ID == keeper {
			continue
		}
		plan.Trash = append(plan.Trash, f.ID)
		donors = append(donors, f)
	}

	plan.Changes = fieldUnion(keeper, meta, donors)
	return plan, nil
}

// fieldUnion computes the metadata changes that enrich the keeper from
// its trash candidates: keeper values always win; missing fields fill
// from donors in keeper-selection order; keywords union.
func fieldUnion(keeper types.FileID, meta map[types.FileID]*types.MediaMetadata, donors []*types.File) []types.FieldChange {
	km := meta[keeper]
	if km == nil {
		km = &types.MediaMetadata{FileID: keeper}
	}

	var changes []types.FieldChange

	// Capture date never overwrites a present keeper date.
	if km.CaptureTime == nil {
		for _, d := range donors {
			dm := meta[d.ID]
			if dm != nil && dm.CaptureTime != nil {
				changes = append(changes, types.FieldChange{
					Field: "captureTime", From: "",
					To:     dm.CaptureTime.UTC().Format(time.RFC3339),
					Source: d.ID,
				})
				break
			}
		}
	}

	// GPS from the first donor carrying coordinates when the keeper has
	// none.
	if km.Latitude == nil {
		for _, d := range donors {
			dm := meta[d.ID]
			if dm != nil && dm.Latitude != nil {
				changes = append(changes, types.FieldChange{
					Field: "gps", From: "",
					To:     fmt.Sprintf("%.6f,%.6f", *dm.Latitude, *dm.Longitude),
					Source: d.ID,
				})
				break
			}
		}
	}

	if km.CameraModel == "" {
		for _, d := range donors {
			dm := meta[d.ID]
			if dm != nil && dm.CameraModel != "" {
				changes = append(changes, types.FieldChange{
					Field: "cameraModel", From: "", To: dm.CameraModel, Source: d.ID,
				})
				break
			}
		}
	}

	// Keywords union, preserving keeper order then donor order.
	have := make(map[string]bool, len(km.Keywords))
	for _, k := range km.Keywords {
		have[k] = true
	}
	for _, d := range donors {
		dm := meta[d.ID]
		if dm == nil {
			continue
		}
		for _, k := range dm.Keywords {
			if !have[k] {
				have[k] = true
				changes = append(changes, types.FieldChange{
					Field: "keywords", From: "", To: k, Source: d.ID,
				})
			}
		}
	}

	if km.ContentTag == "" {
		for _, d := range donors {
			dm := meta[d.ID]
			if dm != nil && dm.ContentTag != "" {
				changes = append(changes, types.FieldChange{
					Field: "contentTag", From: "", To: dm.ContentTag, Source: d.ID,
				})
				break
			}
		}
	}

	return changes
}
