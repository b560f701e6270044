package engine

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/dupekit/dupekit/internal/types"
)

// policyLink is one related-asset link discovered by policy collapse.
type policyLink struct {
	a, b  types.FileID
	kind  string // "raw_jpeg", "live_photo", "sidecar"
	bonus float64
}

var jpegExts = map[string]bool{".jpg": true, ".jpeg": true}
var livePhotoStillExts = map[string]bool{".heic": true, ".jpg": true, ".jpeg": true}

// collapsePolicies scans assets grouped by stem for related-asset pairs.
// Toggles are read once per buildGroups call; the link list is sorted for
// deterministic edge emission.
func (e *Engine) collapsePolicies(assets map[types.FileID]*asset) []policyLink {
	if !e.opts.LinkRawJpeg && !e.opts.LinkLivePhoto && !e.opts.LinkSidecar {
		return nil
	}

	byStem := make(map[string][]*asset)
	for _, a := range assets {
		byStem[a.file.Stem()] = append(byStem[a.file.Stem()], a)
	}

	var links []policyLink
	for _, group := range byStem {
		if len(group) < 2 {
			continue
		}
		// Pairs in sorted id order.
		sorted := make([]*asset, len(group))
		copy(sorted, group)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j].file.ID.String() < sorted[j-1].file.ID.String(); j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		for i := 0; i < len(sorted); i++ {
			for j := i + 1; j < len(sorted); j++ {
				if link, ok := e.policyPair(sorted[i], sorted[j]); ok {
					links = append(links, link)
				}
			}
		}
	}

	// Stem-map iteration is unordered; fix the link order.
	for i := 1; i < len(links); i++ {
		for j := i; j > 0 && lessLink(links[j], links[j-1]); j-- {
			links[j], links[j-1] = links[j-1], links[j]
		}
	}
	return links
}

func lessLink(x, y policyLink) bool {
	if x.a != y.a {
		return x.a.String() < y.a.String()
	}
	return x.b.String() < y.b.String()
}

func (e *Engine) policyPair(a, b *asset) (policyLink, bool) {
	if e.opts.LinkRawJpeg {
		if ok := rawJpegPair(a, b); ok {
			return policyLink{a: a.file.ID, b: b.file.ID, kind: "raw_jpeg", bonus: bonusRawJpeg}, true
		}
	}
	if e.opts.LinkLivePhoto {
		if ok := livePhotoPair(a, b); ok {
			return policyLink{a: a.file.ID, b: b.file.ID, kind: "live_photo", bonus: bonusLivePhoto}, true
		}
	}
	if e.opts.LinkSidecar {
		if ok := sidecarPair(a, b); ok {
			return policyLink{a: a.file.ID, b: b.file.ID, kind: "sidecar", bonus: bonusSidecar}, true
		}
	}
	return policyLink{}, false
}

// rawJpegPair: two photos, equal stem, capture timestamps equal to the
// second, one RAW extension and one sidecar-JPEG extension.
func rawJpegPair(a, b *asset) bool {
	if a.file.Kind != types.KindPhoto || b.file.Kind != types.KindPhoto {
		return false
	}
	extA := strings.ToLower(filepath.Ext(a.file.Path))
	extB := strings.ToLower(filepath.Ext(b.file.Path))
	rawJpeg := (types.IsRawPath(a.file.Path) && jpegExts[extB]) ||
		(types.IsRawPath(b.file.Path) && jpegExts[extA])
	if !rawJpeg {
		return false
	}
	return captureWithin(a, b, 1.0, true)
}

// livePhotoPair: HEIC/JPEG still plus MOV sharing the stem with capture
// timestamps within one second.
func livePhotoPair(a, b *asset) bool {
	still, motion := a, b
	if still.file.Kind != types.KindPhoto {
		still, motion = b, a
	}
	if still.file.Kind != types.KindPhoto || motion.file.Kind != types.KindVideo {
		return false
	}
	if !livePhotoStillExts[strings.ToLower(filepath.Ext(still.file.Path))] {
		return false
	}
	if strings.ToLower(filepath.Ext(motion.file.Path)) != ".mov" {
		return false
	}
	return captureWithin(a, b, 1.0, false)
}

// sidecarPair: an .xmp file accompanying a photo with an equal stem.
func sidecarPair(a, b *asset) bool {
	xmp, photo := a, b
	if strings.ToLower(filepath.Ext(xmp.file.Path)) != ".xmp" {
		xmp, photo = b, a
	}
	if strings.ToLower(filepath.Ext(xmp.file.Path)) != ".xmp" {
		return false
	}
	return photo.file.Kind == types.KindPhoto
}

// captureWithin reports whether both capture timestamps exist and differ
// by at most maxDelta seconds. truncate compares at second granularity.
func captureWithin(a, b *asset, maxDelta float64, truncate bool) bool {
	if a.meta == nil || b.meta == nil || a.meta.CaptureTime == nil || b.meta.CaptureTime == nil {
		return false
	}
	ta, tb := *a.meta.CaptureTime, *b.meta.CaptureTime
	if truncate {
		return ta.Unix() == tb.Unix()
	}
	return math.Abs(ta.Sub(tb).Seconds()) <= maxDelta
}
