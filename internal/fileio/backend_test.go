package fileio_test

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/Luminarys/synapse/internal/config"
	"github.com/Luminarys/synapse/internal/errors"
	"github.com/Luminarys/synapse/internal/fileio"
)

func openBackend(t *testing.T, kind config.Backend, length int64) fileio.Backend {
	t.Helper()

	path := filepath.Join(t.TempDir(), "content", "data.bin")

	b, err := fileio.Open(kind, path, length, true)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", kind, err)
	}
	t.Cleanup(func() { b.Close() })

	return b
}

func TestRoundTrip(t *testing.T) {
	for _, kind := range []config.Backend{config.BackendDirect, config.BackendMapped} {
		t.Run(string(kind), func(t *testing.T) {
			b := openBackend(t, kind, 65536)

			payload := make([]byte, 16384)
			if _, err := rand.Read(payload); err != nil {
				t.Fatal(err)
			}

			n, err := b.WriteAt(payload, 16384)
			if err != nil {
				t.Fatalf("WriteAt failed: %v", err)
			}
			if n != len(payload) {
				t.Fatalf("WriteAt wrote %d of %d bytes with nil error", n, len(payload))
			}

			got := make([]byte, len(payload))
			if _, err := b.ReadAt(got, 16384); err != nil {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("read back different bytes than written")
			}

			if err := b.Sync(); err != nil {
				t.Errorf("Sync failed: %v", err)
			}
		})
	}
}

func TestMappedBounds(t *testing.T) {
	b := openBackend(t, config.BackendMapped, 4096)

	if _, err := b.WriteAt(make([]byte, 8), 4090); !errors.IsInvalidRange(err) {
		t.Errorf("write past mapping = %v, want InvalidRange", err)
	}
	if _, err := b.ReadAt(make([]byte, 8), -1); !errors.IsInvalidRange(err) {
		t.Errorf("negative read offset = %v, want InvalidRange", err)
	}
	if n, err := b.WriteAt(nil, 0); n != 0 || err != nil {
		t.Errorf("empty write = (%d, %v), want (0, nil)", n, err)
	}
}

func TestDirectLazyAllocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")

	b, err := fileio.Open(config.BackendDirect, path, 32768, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 0 {
		t.Errorf("lazy open should not allocate, file is %d bytes", st.Size())
	}

	if err := b.Allocate(32768); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	st, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() < 32768 {
		t.Errorf("after Allocate file is %d bytes, want >= 32768", st.Size())
	}
}

// TestMappedFaultBarrier truncates the file out from under an established
// mapping, so the next access cannot be satisfied by backing storage. The
// fault must come back as an ordinary IOFault error, not kill the process,
// and the count must report no progress.
func TestMappedFaultBarrier(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on Linux delivering SIGBUS for accesses past EOF")
	}

	path := filepath.Join(t.TempDir(), "data.bin")

	const length = 1 << 20 // well past one page

	b, err := fileio.Open(config.BackendMapped, path, length, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	// External truncation: the mapped pages lose their backing store.
	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}

	n, err := b.WriteAt(make([]byte, 4096), length-4096)
	if !errors.IsIOFault(err) {
		t.Fatalf("write into faulting mapping = %v, want IOFault", err)
	}
	if n != 0 {
		t.Errorf("faulted write reported %d bytes applied", n)
	}

	n, err = b.ReadAt(make([]byte, 4096), length-4096)
	if !errors.IsIOFault(err) {
		t.Fatalf("read from faulting mapping = %v, want IOFault", err)
	}
	if n != 0 {
		t.Errorf("faulted read reported %d bytes", n)
	}
}

func TestZeroLengthMapped(t *testing.T) {
	b := openBackend(t, config.BackendMapped, 0)

	if n, err := b.ReadAt(nil, 0); n != 0 || err != nil {
		t.Errorf("empty read on zero-length file = (%d, %v)", n, err)
	}
	if err := b.Sync(); err != nil {
		t.Errorf("Sync on zero-length file failed: %v", err)
	}
}
