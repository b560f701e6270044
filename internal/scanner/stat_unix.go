//go:build unix

package scanner

import (
	"os"
	"syscall"
	"time"

	"github.com/dupekit/dupekit/internal/types"
)

// identityOf extracts the filesystem identity triple from stat data.
func identityOf(info os.FileInfo) (types.Identity, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return types.Identity{}, false
	}
	return types.Identity{
		Dev:   uint64(stat.Dev), //nolint:unconvert // platform-dependent type
		Ino:   stat.Ino,
		Nlink: uint32(stat.Nlink),
	}, true
}

// createdAt approximates the creation time from the inode change time,
// which is the closest portable stand-in on filesystems without btime.
func createdAt(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	ctime := time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
	if ctime.Before(info.ModTime()) {
		return ctime
	}
	return info.ModTime()
}

// isCloudPlaceholder reports whether a file is present in the listing but
// not materialised locally: a non-empty file occupying zero blocks.
func isCloudPlaceholder(info os.FileInfo) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return info.Size() > 0 && stat.Blocks == 0 && info.Mode().IsRegular()
}
