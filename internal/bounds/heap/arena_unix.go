//go:build unix

package heap

import "golang.org/x/sys/unix"

// mapMemory creates an anonymous private read-write mapping.
func mapMemory(size uint64) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}
