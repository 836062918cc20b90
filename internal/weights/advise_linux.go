//go:build linux

package weights

import (
	"golang.org/x/sys/unix"

	"github.com/samcharles93/pipeshard/internal/safetensors"
)

// dropPageCache tells the kernel the copied range will not be read again.
// Files without a descriptor (in-memory filesystems) are ignored.
func dropPageCache(f *safetensors.File, off, n int64) error {
	fd, ok := f.Fd()
	if !ok || n <= 0 {
		return nil
	}
	return unix.Fadvise(int(fd), off, n, unix.FADV_DONTNEED)
}
