//go:build !linux

package alloc

import (
	"os"

	"github.com/Luminarys/synapse/internal/errors"
)

var errFallocateUnsupported = errors.New("fallocate unsupported")

// fallocate has no portable extent-reservation primitive here; report
// unsupported so Allocate grows the file logically instead. Writes may then
// fail with ENOSPC instead of the allocation call.
func fallocate(_ *os.File, _ int64) error {
	return errFallocateUnsupported
}

func sparse(_ os.FileInfo) (bool, error) {
	// Without block counts assume dense; the write path still converts
	// faults into errors.
	return false, nil
}
