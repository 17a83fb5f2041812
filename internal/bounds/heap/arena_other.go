//go:build !unix

package heap

// mapMemory falls back to Go-managed memory where mmap is unavailable.
func mapMemory(size uint64) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
