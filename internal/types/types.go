// Package types provides shared types used across the dupekit codebase.
package types

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaKind classifies a file by its media payload.
type MediaKind int

const (
	KindOther MediaKind = iota
	KindPhoto
	KindVideo
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "other"
	}
}

// ParseKind parses a MediaKind from its string form.
func ParseKind(s string) MediaKind {
	switch s {
	case "photo":
		return KindPhoto
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	default:
		return KindOther
	}
}

var photoExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".heif": true,
	".gif": true, ".tif": true, ".tiff": true, ".bmp": true, ".webp": true,
	".cr2": true, ".cr3": true, ".nef": true, ".arw": true, ".orf": true,
	".rw2": true, ".dng": true, ".raf": true,
}

var videoExts = map[string]bool{
	".mov": true, ".mp4": true, ".m4v": true, ".avi": true, ".mkv": true,
	".webm": true, ".mts": true, ".m2ts": true, ".3gp": true, ".wmv": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".aac": true, ".flac": true, ".wav": true,
	".aiff": true, ".aif": true, ".ogg": true, ".opus": true, ".wma": true,
}

// rawExts is the subset of photo extensions that are camera RAW containers.
// RAW files are never rewritten in place; metadata goes to a sidecar.
var rawExts = map[string]bool{
	".cr2": true, ".cr3": true, ".nef": true, ".arw": true, ".orf": true,
	".rw2": true, ".dng": true, ".raf": true,
}

// KindForPath classifies a path by extension.
func KindForPath(path string) MediaKind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case photoExts[ext]:
		return KindPhoto
	case videoExts[ext]:
		return KindVideo
	case audioExts[ext]:
		return KindAudio
	default:
		return KindOther
	}
}

// IsRawPath reports whether path has a camera RAW extension.
func IsRawPath(path string) bool {
	return rawExts[strings.ToLower(filepath.Ext(path))]
}

// FileID identifies a File record. Stable across renames and moves.
type FileID = uuid.UUID

// GroupID identifies a DuplicateGroup.
type GroupID = uuid.UUID

// TxID identifies a MergeTransaction.
type TxID = uuid.UUID

// groupNamespace seeds deterministic group id derivation.
var groupNamespace = uuid.MustParse("9f2d7a60-31c4-4c5e-8d0a-5b7f6e2a1c43")

// NewFileID returns a fresh random file id.
func NewFileID() FileID { return uuid.New() }

// DeriveGroupID derives a deterministic group id from the sorted member ids.
// Identical member sets always produce the identical group id.
func DeriveGroupID(sortedMembers []FileID) GroupID {
	var b []byte
	for _, id := range sortedMembers {
		b = append(b, id[:]...)
	}
	return uuid.NewSHA1(groupNamespace, b)
}

// Identity is the filesystem identity triple. Exactly one File exists per
// (Dev, Ino) pair while the file is on disk.
type Identity struct {
	Dev   uint64
	Ino   uint64
	Nlink uint32
}

// File represents one on-disk asset.
type File struct {
	ID          FileID
	Path        string
	Handle      string // opaque access-layer token; resolves to Path
	Kind        MediaKind
	Size        int64
	CreatedAt   time.Time
	ModTime     time.Time
	Identity    Identity
	Checksum    []byte // SHA-256, computed lazily; nil until verified
	Trashed     bool
	LastScanned time.Time

	// Refresh flags. Both are set when size or mtime changed since the
	// last scan; downstream signatures for the file are invalid until
	// the corresponding stage clears them.
	NeedsMetadata  bool
	NeedsSignature bool
}

// Stem returns the lowercased filename stem (base name without extension).
func (f *File) Stem() string {
	base := filepath.Base(f.Path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// MediaMetadata holds container-derived metadata for a File. All fields are
// optional; pointers are nil when the container did not provide a value.
type MediaMetadata struct {
	FileID      FileID
	Width       int
	Height      int
	CaptureTime *time.Time // UTC; precedence EXIF DateTimeOriginal, createdAt, modifiedAt
	CameraModel string
	Latitude    *float64 // clamped to 1e-6; nil unless both coordinates present
	Longitude   *float64
	Duration    *float64 // seconds, video/audio only
	FrameRate   *float64
	Codec       string
	Keywords    []string
	ContentTag  string
}

// HashAlg tags a perceptual image hash algorithm.
type HashAlg string

const (
	AlgDHash HashAlg = "dhash"
	AlgPHash HashAlg = "phash"
)

// ImageSignature is one perceptual hash row for a photo File. A photo may
// carry both a dhash and a phash row; dhash is always present once hashed.
type ImageSignature struct {
	FileID     FileID
	Algorithm  HashAlg
	Hash       uint64
	Width      int
	Height     int
	ComputedAt time.Time
}

// VideoSignature is the frame-sequence fingerprint for a video File.
// SampleTimes matches FrameHashes 1:1.
type VideoSignature struct {
	FileID      FileID
	Duration    float64
	Width       int
	Height      int
	FrameHashes []uint64
	SampleTimes []float64
	ComputedAt  time.Time
}

// GroupStatus is the lifecycle state of a DuplicateGroup.
type GroupStatus string

const (
	GroupOpen     GroupStatus = "open"
	GroupResolved GroupStatus = "resolved"
	GroupIgnored  GroupStatus = "ignored"
)

// DuplicateGroup is a connected component of files judged duplicates or
// near-duplicates. A group always has at least two distinct members, and no
// file belongs to two open groups at once.
type DuplicateGroup struct {
	ID         GroupID
	CreatedAt  time.Time
	Status     GroupStatus
	Confidence float64
	Incomplete bool // comparison set was truncated by a bucket or time budget
	Policy     []byte // opaque policy-decisions blob
}

// SignalContribution records one signal's share of a pair score.
type SignalContribution struct {
	Key          string
	Weight       float64
	Raw          float64
	Contribution float64
	Rationale    string
}

// GroupMember is one file's membership in a group, with scoring evidence.
type GroupMember struct {
	GroupID          GroupID
	FileID           FileID
	KeeperSuggestion bool
	HammingToKeeper  int // -1 where not applicable
	NameToKeeper     float64
	Signals          []SignalContribution
	Penalties        []SignalContribution
}

// FieldChange is one planned metadata change on the keeper.
type FieldChange struct {
	Field  string
	From   string
	To     string
	Source FileID
}

// MergePlan is a transient, side-effect-free preview of a merge.
type MergePlan struct {
	GroupID  GroupID
	KeeperID FileID
	Trash    []FileID // ordered
	Changes  []FieldChange
	DryRun   bool
}

// TrashedEntry records one file moved to the recycle bin by a transaction.
type TrashedEntry struct {
	FileID       FileID
	OriginalPath string
	Size         int64
	RecycleToken []byte // opaque OS trash token, persisted verbatim
}

// TxPayload is the durable undo payload of a MergeTransaction.
type TxPayload struct {
	KeeperID     FileID
	KeeperHash   []byte // pre-merge SHA-256 of the keeper content
	Trashed      []TrashedEntry
	FieldChanges []FieldChange // reversible metadata changes applied to the keeper
	SidecarPath  string        // written sidecar, empty if none
}

// MergeTransaction is one durable undo-log row.
type MergeTransaction struct {
	ID           TxID
	CreatedAt    time.Time
	UndoDeadline time.Time
	UndoneAt     *time.Time
	Payload      TxPayload
}

// IgnorePair is a persisted assertion that two files are not duplicates of
// each other. Unordered; evicted when either file's (size, mtime) changes.
type IgnorePair struct {
	A FileID
	B FileID
}

// Canonical returns the pair with A sorting before B.
func (p IgnorePair) Canonical() IgnorePair {
	if p.B.String() < p.A.String() {
		return IgnorePair{A: p.B, B: p.A}
	}
	return p
}
