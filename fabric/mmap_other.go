//go:build !unix

package fabric

import "os"

// mapReadOnly falls back to reading the whole file on platforms
// without a usable mmap.
func mapReadOnly(path string) ([]byte, func([]byte) error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func([]byte) error { return nil }, nil
}
