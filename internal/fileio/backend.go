// Package fileio performs bulk reads and writes against torrent content
// files. Two interchangeable strategies expose the same contract: direct
// positioned syscalls, and copies through a memory-mapped region with a
// fault barrier that converts storage access faults into ordinary errors.
//
// Both strategies guarantee that a call either completes for every
// requested byte or returns an error; callers never see a short count
// without one.
package fileio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Luminarys/synapse/internal/alloc"
	"github.com/Luminarys/synapse/internal/config"
	"github.com/Luminarys/synapse/internal/errors"
	"github.com/Luminarys/synapse/internal/logger"
)

// Backend is an open handle to one content file. A Backend is owned by a
// single torrent's store and must not be shared across torrents. Methods
// are safe for concurrent use on non-overlapping ranges.
type Backend interface {
	// ReadAt fills p from the file at off. Either all of p is filled or
	// an error is returned.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt writes all of p at off. Either every byte is durably
	// applied or an error is returned and the count must be ignored.
	WriteAt(p []byte, off int64) (int, error)
	// Allocate ensures backing length of at least target bytes.
	Allocate(target int64) error
	// Sync flushes written data to stable storage.
	Sync() error
	Close() error
	Path() string
}

// Open creates (if needed) and opens one content file with the configured
// strategy. length is the file's full torrent length. The mapped strategy
// always allocates up front since a mapping cannot extend past the file;
// the direct strategy allocates only when eager is set, leaving lazy
// callers to Allocate before their first write.
func Open(kind config.Backend, path string, length int64, eager bool) (Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewIOError(err, path, false)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.NewIOError(err, path, false)
	}

	switch kind {
	case config.BackendDirect:
		if eager {
			if err := alloc.Allocate(f, length); err != nil {
				f.Close()
				return nil, err
			}
		}

		return newDirect(f), nil
	case config.BackendMapped:
		if err := alloc.Allocate(f, length); err != nil {
			f.Close()
			return nil, err
		}

		// A mapping over holes is the one place a write can still hit
		// ENOSPC, surfacing as a fault instead of an error return.
		if sparse, err := alloc.Sparse(f); err == nil && sparse {
			logger.Warnf("%s is sparse under a mapping; writes may fault on full disks", path)
		}

		m, err := newMapped(f, length)
		if err != nil {
			f.Close()
			return nil, err
		}

		return m, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unknown I/O backend %q", kind)
	}
}
