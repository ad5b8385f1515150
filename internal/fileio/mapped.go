package fileio

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/Luminarys/synapse/internal/errors"
)

// mapped copies blocks through a shared memory mapping of the whole file.
// The file is fully allocated before mapping; a region cannot extend past
// EOF. Copies run inside the guardedCopy fault barrier.
type mapped struct {
	f      *os.File
	mm     mmap.MMap
	length int64
}

func newMapped(f *os.File, length int64) (*mapped, error) {
	m := &mapped{f: f, length: length}

	if length == 0 {
		// Zero-length regions cannot be mapped; such files never
		// receive I/O since no span targets them.
		return m, nil
	}

	mm, err := mmap.MapRegion(f, int(length), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, errors.NewIOError(fmt.Errorf("mapping %q: %w", f.Name(), err), f.Name(), false)
	}

	m.mm = mm

	return m, nil
}

func (m *mapped) check(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > m.length {
		return errors.NewRangeError(errors.ErrInvalidRange,
			fmt.Sprintf("%s: offset %d length %d against mapping %d", m.f.Name(), off, len(p), m.length))
	}

	return nil
}

func (m *mapped) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := m.check(p, off); err != nil {
		return 0, err
	}

	if err := guardedCopy(p, m.mm[off:off+int64(len(p))]); err != nil {
		return 0, errors.NewIOError(err, m.f.Name(), true)
	}

	return len(p), nil
}

func (m *mapped) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := m.check(p, off); err != nil {
		return 0, err
	}

	if err := guardedCopy(m.mm[off:off+int64(len(p))], p); err != nil {
		return 0, errors.NewIOError(err, m.f.Name(), true)
	}

	return len(p), nil
}

// Allocate is satisfied at open time for mapped files; the mapping cannot
// grow afterwards.
func (m *mapped) Allocate(target int64) error {
	if target > m.length {
		return errors.NewRangeError(errors.ErrInvalidRange,
			fmt.Sprintf("%s: allocate %d beyond mapping %d", m.f.Name(), target, m.length))
	}

	return nil
}

func (m *mapped) Sync() error {
	if m.mm == nil {
		return nil
	}

	if err := m.mm.Flush(); err != nil {
		return errors.NewIOError(err, m.f.Name(), false)
	}

	return nil
}

func (m *mapped) Close() error {
	var firstErr error

	if m.mm != nil {
		if err := m.mm.Unmap(); err != nil {
			firstErr = err
		}

		m.mm = nil
	}

	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

func (m *mapped) Path() string {
	return m.f.Name()
}
