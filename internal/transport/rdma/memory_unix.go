//go:build linux || darwin

package rdma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous private pages so registered buffers are page
// aligned and never moved by the Go runtime.
func allocate(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return data, unix.Munmap, nil
}
