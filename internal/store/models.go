package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/dupekit/dupekit/internal/types"
)

// schemaVersion is bumped on every additive migration. Migrations never
// drop or rewrite user data.
const schemaVersion = 1

type schemaInfo struct {
	ID      int `gorm:"primaryKey"`
	Version int
}

func (schemaInfo) TableName() string { return "schema_info" }

type fileRow struct {
	ID             string `gorm:"primaryKey"`
	Path           string `gorm:"uniqueIndex"`
	Handle         string
	Kind           string `gorm:"index"`
	Size           int64  `gorm:"index"`
	CreatedAt      time.Time
	ModTime        time.Time
	Dev            uint64 `gorm:"uniqueIndex:idx_identity"`
	Ino            uint64 `gorm:"uniqueIndex:idx_identity"`
	Nlink          uint32
	Checksum       []byte `gorm:"index"`
	Trashed        bool
	LastScanned    time.Time
	NeedsMetadata  bool
	NeedsSignature bool
}

func (fileRow) TableName() string { return "files" }

type metadataRow struct {
	FileID      string `gorm:"primaryKey"`
	Width       int    `gorm:"index:idx_dims"`
	Height      int    `gorm:"index:idx_dims"`
	CaptureTime *time.Time
	CameraModel string
	Latitude    *float64
	Longitude   *float64
	Duration    *float64 `gorm:"index"`
	FrameRate   *float64
	Codec       string
	Keywords    []string `gorm:"serializer:json"`
	ContentTag  string
}

func (metadataRow) TableName() string { return "media_metadata" }

type imageSigRow struct {
	FileID     string `gorm:"primaryKey"`
	Algorithm  string `gorm:"primaryKey"`
	Hash       uint64
	Width      int
	Height     int
	ComputedAt time.Time
}

func (imageSigRow) TableName() string { return "image_signatures" }

type videoSigRow struct {
	FileID      string `gorm:"primaryKey"`
	Duration    float64
	Width       int
	Height      int
	FrameHashes []uint64  `gorm:"serializer:json"`
	SampleTimes []float64 `gorm:"serializer:json"`
	ComputedAt  time.Time
}

func (videoSigRow) TableName() string { return "video_signatures" }

type groupRow struct {
	ID         string `gorm:"primaryKey"`
	CreatedAt  time.Time
	Status     string `gorm:"index"`
	Confidence float64
	Incomplete bool
	Policy     []byte
}

func (groupRow) TableName() string { return "duplicate_groups" }

type groupMemberRow struct {
	GroupID          string `gorm:"primaryKey;index"`
	FileID           string `gorm:"primaryKey;index"`
	KeeperSuggestion bool
	HammingToKeeper  int
	NameToKeeper     float64
	Signals          []types.SignalContribution `gorm:"serializer:json"`
	Penalties        []types.SignalContribution `gorm:"serializer:json"`
}

func (groupMemberRow) TableName() string { return "group_members" }

type transactionRow struct {
	ID           string `gorm:"primaryKey"`
	CreatedAt    time.Time `gorm:"index"`
	UndoDeadline time.Time
	UndoneAt     *time.Time
	Payload      []byte // JSON-encoded types.TxPayload
}

func (transactionRow) TableName() string { return "merge_transactions" }

type preferenceRow struct {
	Key   string `gorm:"primaryKey"`
	Value []byte // self-describing tagged blob
}

func (preferenceRow) TableName() string { return "preferences" }

type ignorePairRow struct {
	A         string `gorm:"primaryKey;index"`
	B         string `gorm:"primaryKey;index"`
	CreatedAt time.Time
}

func (ignorePairRow) TableName() string { return "ignore_pairs" }

func fileToRow(f *types.File) fileRow {
	return fileRow{
		ID:             f.ID.String(),
		Path:           f.Path,
		Handle:         f.Handle,
		Kind:           f.Kind.String(),
		Size:           f.Size,
		CreatedAt:      f.CreatedAt,
		ModTime:        f.ModTime,
		Dev:            f.Identity.Dev,
		Ino:            f.Identity.Ino,
		Nlink:          f.Identity.Nlink,
		Checksum:       f.Checksum,
		Trashed:        f.Trashed,
		LastScanned:    f.LastScanned,
		NeedsMetadata:  f.NeedsMetadata,
		NeedsSignature: f.NeedsSignature,
	}
}

func rowToFile(r fileRow) *types.File {
	return &types.File{
		ID:             uuid.MustParse(r.ID),
		Path:           r.Path,
		Handle:         r.Handle,
		Kind:           types.ParseKind(r.Kind),
		Size:           r.Size,
		CreatedAt:      r.CreatedAt,
		ModTime:        r.ModTime,
		Identity:       types.Identity{Dev: r.Dev, Ino: r.Ino, Nlink: r.Nlink},
		Checksum:       r.Checksum,
		Trashed:        r.Trashed,
		LastScanned:    r.LastScanned,
		NeedsMetadata:  r.NeedsMetadata,
		NeedsSignature: r.NeedsSignature,
	}
}

func metaToRow(m *types.MediaMetadata) metadataRow {
	return metadataRow{
		FileID:      m.FileID.String(),
		Width:       m.Width,
		Height:      m.Height,
		CaptureTime: m.CaptureTime,
		CameraModel: m.CameraModel,
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
		Duration:    m.Duration,
		FrameRate:   m.FrameRate,
		Codec:       m.Codec,
		Keywords:    m.Keywords,
		ContentTag:  m.ContentTag,
	}
}

func rowToMeta(r metadataRow) *types.MediaMetadata {
	return &types.MediaMetadata{
		FileID:      uuid.MustParse(r.FileID),
		Width:       r.Width,
		Height:      r.Height,
		CaptureTime: r.CaptureTime,
		CameraModel: r.CameraModel,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Duration:    r.Duration,
		FrameRate:   r.FrameRate,
		Codec:       r.Codec,
		Keywords:    r.Keywords,
		ContentTag:  r.ContentTag,
	}
}
