//go:build linux

package alloc

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Luminarys/synapse/internal/errors"
)

var errFallocateUnsupported = errors.New("fallocate unsupported")

// fallocate reserves contiguous extents for the whole file. Some
// filesystems (and most network mounts) reject the call; the caller then
// falls back to logical growth.
func fallocate(f *os.File, length int64) error {
	for {
		err := unix.Fallocate(int(f.Fd()), 0, 0, length)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EOPNOTSUPP, unix.ENOSYS:
			return errFallocateUnsupported
		default:
			return err
		}
	}
}

func sparse(st os.FileInfo) (bool, error) {
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return false, nil
	}

	// Block counts are in 512-byte units regardless of the filesystem
	// block size.
	return sys.Blocks*512 < sys.Size, nil
}
