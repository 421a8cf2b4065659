//go:build unix

package fabric

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapReadOnly maps path read-only and returns the bytes plus the
// teardown function. Empty files map to a nil slice with a no-op
// teardown.
func mapReadOnly(path string) ([]byte, func([]byte) error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, func([]byte) error { return nil }, nil
	}
	if size != int64(int(size)) {
		return nil, nil, fmt.Errorf("file too large to map: %d bytes", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	// Capture walks are sequential front to back.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	return data, unix.Munmap, nil
}
