// Package alloc reserves file backing space ahead of writes. Extent
// reservation surfaces space shortfalls at allocation time; where the
// platform cannot reserve extents the file grows logically and write-time
// failures remain possible.
package alloc

import (
	"os"
	"syscall"

	"github.com/Luminarys/synapse/internal/errors"
	"github.com/Luminarys/synapse/internal/logger"
)

// Allocate ensures f's backing length is at least target bytes. It is
// idempotent and never shrinks a file. Callers serialize Allocate calls for
// the same file; distinct files may allocate concurrently.
func Allocate(f *os.File, target int64) error {
	if target < 0 {
		return errors.NewRangeError(errors.ErrInvalidRange, f.Name())
	}

	st, err := f.Stat()
	if err != nil {
		return errors.NewIOError(err, f.Name(), false)
	}

	if st.Size() >= target {
		return nil
	}

	err = fallocate(f, target)
	switch {
	case err == nil:
		logger.Debugf("fallocated %s to %d bytes", f.Name(), target)
		return nil
	case errors.Is(err, errFallocateUnsupported):
		logger.Debugf("fallocate unsupported for %s, growing logically", f.Name())
	default:
		return classify(err, f.Name())
	}

	if err := f.Truncate(target); err != nil {
		return classify(err, f.Name())
	}

	return nil
}

// Sparse reports whether the file occupies fewer blocks than its logical
// size, which means writes into the hole can still hit ENOSPC.
func Sparse(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, errors.NewIOError(err, f.Name(), false)
	}

	return sparse(st)
}

func classify(err error, path string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errors.NewDiskFullError(err, path)
	}

	return errors.NewIOError(err, path, false)
}
