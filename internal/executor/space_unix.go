//go:build unix

package executor

import (
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/dupekit/dupekit/internal/types"
)

// ensureSpace verifies the target filesystem has headroom for staging.
func (e *Executor) ensureSpace(nearPath string, need uint64) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(nearPath), &st); err != nil {
		return nil // unknown filesystems do not block the merge
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < need {
		return types.NewError(types.EnvironmentError, "executor", "out_of_space",
			fmt.Sprintf("not enough free space near %s", types.ShortPath(nearPath)), nil)
	}
	return nil
}
