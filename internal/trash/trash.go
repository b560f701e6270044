// Package trash moves files to the OS recycle bin and restores them from
// opaque tokens.
//
// The implementation follows the freedesktop trash layout (files/ plus
// info/ with .trashinfo entries). Tokens are opaque byte strings carrying
// everything needed for restore; callers persist them verbatim in the
// undo log and never inspect them.
package trash

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Bin is the recycle-bin surface the executor depends on.
type Bin interface {
	// Put moves path into the bin, returning an opaque restore token.
	Put(path string) ([]byte, error)
	// Restore moves a trashed file back to originalPath.
	Restore(token []byte, originalPath string) error
	// Contains reports whether the trashed file is still in the bin.
	Contains(token []byte) bool
}

// token is the decoded form of a restore token.
type token struct {
	TrashedPath string `json:"trashed_path"`
	InfoPath    string `json:"info_path"`
}

// DirBin is a freedesktop-layout bin rooted at a directory. The default
// root is $XDG_DATA_HOME/Trash (or ~/.local/share/Trash).
type DirBin struct {
	filesDir string
	infoDir  string
}

// New returns the user's default trash bin.
func New() (*DirBin, error) {
	root := os.Getenv("XDG_DATA_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve trash dir: %w", err)
		}
		root = filepath.Join(home, ".local", "share")
	}
	return NewAt(filepath.Join(root, "Trash"))
}

// NewAt returns a bin rooted at the given trash directory. Used directly
// in tests.
func NewAt(root string) (*DirBin, error) {
	b := &DirBin{
		filesDir: filepath.Join(root, "files"),
		infoDir:  filepath.Join(root, "info"),
	}
	for _, dir := range []string{b.filesDir, b.infoDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create trash dir: %w", err)
		}
	}
	return b, nil
}

// Put moves path into the bin under a collision-free name and writes the
// matching .trashinfo entry.
func (b *DirBin) Put(path string) ([]byte, error) {
	base := filepath.Base(path)
	target := filepath.Join(b.filesDir, base)
	info := filepath.Join(b.infoDir, base+".trashinfo")
	for i := 2; ; i++ {
		if _, err := os.Lstat(target); os.IsNotExist(err) {
			if _, err := os.Lstat(info); os.IsNotExist(err) {
				break
			}
		}
		suffixed := base + "." + strconv.Itoa(i)
		target = filepath.Join(b.filesDir, suffixed)
		info = filepath.Join(b.infoDir, suffixed+".trashinfo")
	}

	infoBody := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		url.PathEscape(path), time.Now().Format("2006-01-02T15:04:05"))
	if err := os.WriteFile(info, []byte(infoBody), 0o600); err != nil {
		return nil, fmt.Errorf("write trash info: %w", err)
	}

	if err := movePath(path, target); err != nil {
		_ = os.Remove(info)
		return nil, fmt.Errorf("move to trash: %w", err)
	}

	return json.Marshal(token{TrashedPath: target, InfoPath: info})
}

// Restore moves a trashed file back. Fails when the bin no longer holds
// the file.
func (b *DirBin) Restore(tok []byte, originalPath string) error {
	var t token
	if err := json.Unmarshal(tok, &t); err != nil {
		return fmt.Errorf("malformed trash token: %w", err)
	}
	if _, err := os.Lstat(t.TrashedPath); err != nil {
		return fmt.Errorf("no longer in recycle bin: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(originalPath), 0o755); err != nil {
		return err
	}
	if err := movePath(t.TrashedPath, originalPath); err != nil {
		return fmt.Errorf("restore from trash: %w", err)
	}
	_ = os.Remove(t.InfoPath)
	return nil
}

// Contains reports whether the token's file is still in the bin.
func (b *DirBin) Contains(tok []byte) bool {
	var t token
	if err := json.Unmarshal(tok, &t); err != nil {
		return false
	}
	_, err := os.Lstat(t.TrashedPath)
	return err == nil
}

// movePath renames, falling back to copy+remove across devices.
func movePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
