package fileio

import (
	"os"
	"syscall"

	"github.com/Luminarys/synapse/internal/alloc"
	"github.com/Luminarys/synapse/internal/errors"
)

// direct performs positioned read/write syscalls. Failures surface as
// ordinary error returns, so no fault barrier is needed on this path.
type direct struct {
	f *os.File
}

func newDirect(f *os.File) *direct {
	return &direct{f: f}
}

func (d *direct) ReadAt(p []byte, off int64) (int, error) {
	// os.File.ReadAt reads len(p) bytes or returns an error, which is
	// exactly the completion contract.
	n, err := d.f.ReadAt(p, off)
	if err != nil {
		return n, errors.NewIOError(err, d.f.Name(), false)
	}

	return n, nil
}

func (d *direct) WriteAt(p []byte, off int64) (int, error) {
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return n, errors.NewDiskFullError(err, d.f.Name())
		}

		return n, errors.NewIOError(err, d.f.Name(), true)
	}

	return n, nil
}

func (d *direct) Allocate(target int64) error {
	return alloc.Allocate(d.f, target)
}

func (d *direct) Sync() error {
	if err := d.f.Sync(); err != nil {
		return errors.NewIOError(err, d.f.Name(), false)
	}

	return nil
}

func (d *direct) Close() error {
	return d.f.Close()
}

func (d *direct) Path() string {
	return d.f.Name()
}
