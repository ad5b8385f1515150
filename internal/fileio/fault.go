package fileio

import (
	"runtime"
	"runtime/debug"

	"github.com/Luminarys/synapse/internal/errors"
	"github.com/Luminarys/synapse/internal/logger"
)

// guardedCopy copies src into dst inside a fault barrier. Touching a mapped
// page whose backing store cannot satisfy the access (disk exhausted,
// external truncation, hardware error) raises SIGBUS/SIGSEGV; the runtime
// converts it into a panic while the barrier is up, and the barrier turns
// that into an IOFault result instead of terminating the process.
//
// debug.SetPanicOnFault applies to the current goroutine only, so the
// barrier is scoped to exactly this operation: concurrent copies on other
// goroutines keep their own barriers and a fault is always attributed to
// the copy that raised it. The prior setting is restored on the way out,
// fault or not.
//
// After a fault there is no way to tell how many bytes reached backing
// store, so the entire copy is reported failed.
func guardedCopy(dst, src []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); !ok {
				panic(r)
			}

			logger.Warnf("storage access fault during mapped copy: %v", r)
			err = errors.ErrIOFault
		}
	}()

	copy(dst, src)

	return nil
}
