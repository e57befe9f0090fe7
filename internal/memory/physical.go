// Package memory implements the Alpha emulator's physical memory (C1) and
// MMIO dispatch (C2): a flat byte-addressable backing store with
// page-permission regions and device-callback windows, per spec.md §4.1.
//
// Grounded on the teacher's SystemBus (memory_bus.go): a contiguous byte
// slice plus a map-keyed I/O region table, protected by a single
// sync.RWMutex, with binary.LittleEndian used for all multi-byte access.
package memory

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/openalpha/alphasim/internal/fault"
)

// Perm is a page permission bitmask.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

// DeviceHandler is the external MMIO contract from spec.md §6: eight
// callbacks, one per access width and direction. PhysicalMemory calls the
// method for the access width directly, so a handler implements all eight.
type DeviceHandler interface {
	Read8(offset uint32) uint8
	Read16(offset uint32) uint16
	Read32(offset uint32) uint32
	Read64(offset uint32) uint64
	Write8(offset uint32, v uint8)
	Write16(offset uint32, v uint16)
	Write32(offset uint32, v uint32)
	Write64(offset uint32, v uint64)
}

type ioRegion struct {
	start, end uint64 // inclusive
	handler    DeviceHandler
}

type permRegion struct {
	startPage, endPage uint64 // inclusive, page numbers
	perm               Perm
}

// PhysicalMemory is a contiguous RAM block with permission regions and
// MMIO dispatch windows, per spec.md C1/C2.
type PhysicalMemory struct {
	mu      sync.RWMutex
	mem     []byte
	free    func() error
	regions []ioRegion    // sorted by start, non-overlapping
	perms   []permRegion  // sorted by startPage, non-overlapping; empty => all RWX
	pageSh  uint
}

// New allocates size bytes of backing RAM. pageShift is the log2 page size
// used by the permission table (spec.md default 13 for 8 KiB pages).
func New(size int, pageShift uint) (*PhysicalMemory, error) {
	buf, free, err := allocBacking(size)
	if err != nil {
		return nil, err
	}
	return &PhysicalMemory{mem: buf, free: free, pageSh: pageShift}, nil
}

// Close releases the backing store.
func (p *PhysicalMemory) Close() error {
	if p.free != nil {
		return p.free()
	}
	return nil
}

// Size returns the size of the backing RAM in bytes.
func (p *PhysicalMemory) Size() int {
	return len(p.mem)
}

// MapIO registers a device handler over [start, end] inclusive physical
// addresses. Regions must not overlap an existing registration.
func (p *PhysicalMemory) MapIO(start, end uint64, h DeviceHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions = append(p.regions, ioRegion{start: start, end: end, handler: h})
	sort.Slice(p.regions, func(i, j int) bool { return p.regions[i].start < p.regions[j].start })
}

func (p *PhysicalMemory) findRegion(addr uint64) *ioRegion {
	// Non-overlapping by construction, so we can binary search on start.
	i := sort.Search(len(p.regions), func(i int) bool { return p.regions[i].end >= addr })
	if i < len(p.regions) && addr >= p.regions[i].start && addr <= p.regions[i].end {
		return &p.regions[i]
	}
	return nil
}

// SetPagePerm installs a permission region covering [firstAddr, lastAddr]
// inclusive, keyed internally by physical page number (spec.md §4.1: "an
// interval tree keyed by physical-page number").
func (p *PhysicalMemory) SetPagePerm(firstAddr, lastAddr uint64, perm Perm) {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := firstAddr >> p.pageSh
	last := lastAddr >> p.pageSh
	p.perms = append(p.perms, permRegion{startPage: first, endPage: last, perm: perm})
	sort.Slice(p.perms, func(i, j int) bool { return p.perms[i].startPage < p.perms[j].startPage })
}

// CheckPerm reports whether addr's page grants the requested access. With
// no permission regions configured, every page is implicitly present and
// fully accessible (matching the teacher's unguarded flat memory), so that
// callers who never configure a permission map (e.g. unit tests exercising
// only the cache/TLB) are not forced to.
func (p *PhysicalMemory) CheckPerm(addr uint64, want Perm) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.perms) == 0 {
		return true
	}
	page := addr >> p.pageSh
	i := sort.Search(len(p.perms), func(i int) bool { return p.perms[i].endPage >= page })
	if i < len(p.perms) && page >= p.perms[i].startPage && page <= p.perms[i].endPage {
		return p.perms[i].perm&want == want
	}
	return false // not present: not-present pages fault (spec.md §4.1)
}

// Read reads size (1/2/4/8) bytes at addr. Out-of-range addresses return
// all-ones per spec.md §4.1; MMIO-mapped addresses dispatch to the
// registered handler.
func (p *PhysicalMemory) Read(addr uint64, size uint8) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r := p.findRegion(addr); r != nil {
		off := uint32(addr - r.start)
		switch size {
		case 1:
			return uint64(r.handler.Read8(off))
		case 2:
			return uint64(r.handler.Read16(off))
		case 4:
			return uint64(r.handler.Read32(off))
		case 8:
			return r.handler.Read64(off)
		}
	}

	end := addr + uint64(size)
	if end > uint64(len(p.mem)) {
		return ^uint64(0)
	}
	switch size {
	case 1:
		return uint64(p.mem[addr])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p.mem[addr:end]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p.mem[addr:end]))
	case 8:
		return binary.LittleEndian.Uint64(p.mem[addr:end])
	}
	return ^uint64(0)
}

// Write writes size (1/2/4/8) bytes of value at addr. Out-of-range writes
// are silently dropped per spec.md §4.1.
func (p *PhysicalMemory) Write(addr uint64, value uint64, size uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r := p.findRegion(addr); r != nil {
		off := uint32(addr - r.start)
		switch size {
		case 1:
			r.handler.Write8(off, uint8(value))
		case 2:
			r.handler.Write16(off, uint16(value))
		case 4:
			r.handler.Write32(off, uint32(value))
		case 8:
			r.handler.Write64(off, value)
		}
		return
	}

	end := addr + uint64(size)
	if end > uint64(len(p.mem)) {
		return
	}
	switch size {
	case 1:
		p.mem[addr] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(p.mem[addr:end], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(p.mem[addr:end], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(p.mem[addr:end], value)
	}
}

// ReadBypass reads raw bytes with no MMIO dispatch and no permission check,
// for the page-table walker's own PTE fetches (spec.md §6: "The walker
// reads PTEs from physical memory via MemorySystem's own physical-read
// bypass").
func (p *PhysicalMemory) ReadBypass(addr uint64, size uint8) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	end := addr + uint64(size)
	if end > uint64(len(p.mem)) {
		return 0
	}
	switch size {
	case 1:
		return uint64(p.mem[addr])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p.mem[addr:end]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p.mem[addr:end]))
	case 8:
		return binary.LittleEndian.Uint64(p.mem[addr:end])
	}
	return 0
}

// LoadImage copies a pre-built firmware/program image into RAM starting at
// base. This is the "external tool" hand-off point spec.md §1/§6 describe:
// Intel-HEX parsing itself is out of scope, the core only ever receives
// pre-loaded PhysicalMemory.
func (p *PhysicalMemory) LoadImage(base uint64, image []byte) fault.Fault {
	p.mu.Lock()
	defer p.mu.Unlock()
	if base+uint64(len(image)) > uint64(len(p.mem)) {
		return fault.New(fault.AccessViolation, 0).WithAddr(base, 0, true)
	}
	copy(p.mem[base:], image)
	return fault.Fault{}
}

// Reset clears the entire backing store, matching the teacher's
// cache-friendly sequential-zero Reset.
func (p *PhysicalMemory) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mem {
		p.mem[i] = 0
	}
}
