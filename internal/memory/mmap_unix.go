//go:build unix

// mmap_unix.go - anonymous-mapping backing store for PhysicalMemory.
//
// Grounded on the teacher's plain make([]byte, DEFAULT_MEMORY_SIZE) backing
// store (memory_bus.go), generalised per SPEC_FULL's DOMAIN STACK entry for
// golang.org/x/sys: large configured RAM sizes (OpenVMS/Tru64 address
// spaces run well past the 16MB the teacher hard-codes) are mapped
// anonymously instead of living on the Go heap.
package memory

import "golang.org/x/sys/unix"

func allocBacking(size int) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return buf, func() error { return unix.Munmap(buf) }, nil
}
