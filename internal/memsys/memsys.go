// Package memsys implements MemorySystem (C7), the orchestrator the CPU
// core issues every load, store, fetch and barrier through, per spec.md
// §4.4.
//
// Grounded on the teacher's MemoryBus.Read32/Write32 dispatch chain
// (memory_bus.go), which already funnels every access through an
// alignment-agnostic byte path and an I/O-region check before touching
// backing RAM; this package generalises that chain to add translation,
// a cache hierarchy, and LL/SC reservations ahead of the same backing
// store.
package memsys

import (
	"github.com/openalpha/alphasim/internal/fault"
)

// CPUID identifies an emulated CPU in the System arena (spec.md §9 design
// note: "express cyclic ownership as arena + IDs").
type CPUID int

// BarrierKind selects a memory-barrier flavor (spec.md §4.4/§4.9).
type BarrierKind int

const (
	MB BarrierKind = iota
	WMB
	RMB
)

// Translator is the narrow view of internal/tlb.TLB that memsys needs. hit
// reports whether the translation was already resident, for PerfObserver's
// TLB-miss event.
type Translator interface {
	Translate(vaddr uint64, asn uint32, isWrite, isExecute, kernel bool, pc uint64) (paddr uint64, hit bool, f fault.Fault)
}

// DataCache is the narrow view of internal/cache.Cache's L1D entry point.
// Read/Write's hit result feeds PerfObserver's D-cache-miss event.
type DataCache interface {
	Read(paddr uint64, size int) ([]byte, bool)
	Write(paddr uint64, data []byte) bool
	Invalidate(paddr uint64)
}

// InstrCache is the read-only instruction-cache view, plus the self-modifying-
// code invalidation hook.
type InstrCache interface {
	Read(paddr uint64, size int) ([]byte, bool)
	Invalidate(paddr uint64)
}

// PerfObserver lets PerformanceCounters (C15) observe memory-reference and
// miss events memsys is the only place positioned to see (spec.md:230):
// every load/store, and every I-cache/D-cache/TLB miss. Nil disables
// counting entirely (e.g. in unit tests that construct a bare
// MemorySystem). memsys never imports package perf directly, matching the
// rest of this package's narrow-interface wiring.
type PerfObserver interface {
	OnMemoryReference(kernel bool)
	OnICacheMiss(kernel bool)
	OnDCacheMiss(kernel bool)
	OnTLBMiss(kernel bool)
}

// MMIO reports whether paddr falls in a device window, and if so performs
// the access directly (bypassing the cache hierarchy, per spec.md §4.4
// step 3). PhysicalMemory's own Read/Write already does this dispatch, so
// the adapter just forwards.
type MMIO interface {
	IsMMIO(paddr uint64) bool
	Read(addr uint64, size uint8) uint64
	Write(addr uint64, value uint64, size uint8)
	CheckPerm(addr uint64, want uint8) bool
}

// Reservations is the narrow view of internal/smp.Coordinator that LL/SC
// needs (spec.md §4.4 steps 5/6, §4.9 "reservation tracking").
type Reservations interface {
	Register(cpu CPUID, paddr uint64, size uint8)
	Validate(cpu CPUID, paddr uint64, size uint8) bool
	Clear(cpu CPUID)
	// NotifyWrite clears any other CPU's reservation covering [paddr,
	// paddr+size), per spec.md §4.9 "reservation tracking": a write to
	// physical address P originating on CPU X clears any LL reservation on
	// any other CPU whose reservation covers P's cache line.
	NotifyWrite(writer CPUID, paddr uint64, size uint8)
}

// JITInvalidator lets self-modifying-code detection evict any JIT block
// compiled from an address whose I-cache line was just invalidated
// (spec.md §4.4: "invalidates ... the corresponding JIT block(s)").
type JITInvalidator interface {
	InvalidateRange(paddr uint64, size int)
}

const lineSize = 64 // must match the cache hierarchy's configured line size

// MemorySystem is the set of subsystems it threads every access
// through, scoped to one CPU's view (its own TLB, but shared caches/memory/
// reservation tracker, per spec.md's cache-hierarchy diagram).
type MemorySystem struct {
	TLB     Translator
	L1D     DataCache
	ICache  InstrCache
	MMIO    MMIO
	Res     Reservations
	JIT     JITInvalidator
	Perf    PerfObserver // nil disables counting
	wbDirty []uint64     // never appended to; FlushWriteBuffers only resets it
}

func New(tlb Translator, l1d DataCache, icache InstrCache, mmio MMIO, res Reservations, jit JITInvalidator) *MemorySystem {
	return &MemorySystem{TLB: tlb, L1D: l1d, ICache: icache, MMIO: mmio, Res: res, JIT: jit}
}

func isPowerOfTwoSize(size uint8) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

// checkAlign implements step 1 of spec.md §4.4: size must be one of
// {1,2,4,8} and naturally aligned, except for the explicit unaligned
// opcodes (LDQ_U/STQ_U), which the CPU signals via allowUnaligned.
func checkAlign(vaddr uint64, size uint8, allowUnaligned bool, pc uint64, isWrite bool) fault.Fault {
	if !isPowerOfTwoSize(size) {
		return fault.New(fault.AlignmentFault, pc).WithAddr(vaddr, size, isWrite)
	}
	if allowUnaligned {
		return fault.Fault{}
	}
	if vaddr&uint64(size-1) != 0 {
		return fault.New(fault.AlignmentFault, pc).WithAddr(vaddr, size, isWrite)
	}
	return fault.Fault{}
}

// ReadVirtual implements spec.md §4.4 readVirtual.
func (m *MemorySystem) ReadVirtual(cpu CPUID, vaddr uint64, size uint8, pc uint64, asn uint32, kernel, unaligned bool) (uint64, fault.Fault) {
	if f := checkAlign(vaddr, size, unaligned, pc, false); !f.Ok() {
		return 0, f
	}
	paddr, hit, f := m.TLB.Translate(vaddr, asn, false, false, kernel, pc)
	if !f.Ok() {
		return 0, f
	}
	if !hit && m.Perf != nil {
		m.Perf.OnTLBMiss(kernel)
	}
	if !m.MMIO.CheckPerm(paddr, 1) { // PermRead == 1
		return 0, fault.New(fault.AccessViolation, pc).WithAddr(vaddr, size, false)
	}
	if m.Perf != nil {
		m.Perf.OnMemoryReference(kernel)
	}
	if m.MMIO.IsMMIO(paddr) {
		return m.MMIO.Read(paddr, size), fault.Fault{}
	}
	data, cacheHit := m.L1D.Read(paddr, int(size))
	if !cacheHit && m.Perf != nil {
		m.Perf.OnDCacheMiss(kernel)
	}
	return decodeLE(data), fault.Fault{}
}

// WriteVirtual implements spec.md §4.4 writeVirtual.
func (m *MemorySystem) WriteVirtual(cpu CPUID, vaddr uint64, value uint64, size uint8, pc uint64, asn uint32, kernel, unaligned bool) fault.Fault {
	if f := checkAlign(vaddr, size, unaligned, pc, true); !f.Ok() {
		return f
	}
	paddr, hit, f := m.TLB.Translate(vaddr, asn, true, false, kernel, pc)
	if !f.Ok() {
		return f
	}
	if !hit && m.Perf != nil {
		m.Perf.OnTLBMiss(kernel)
	}
	if !m.MMIO.CheckPerm(paddr, 2) { // PermWrite == 2
		return fault.New(fault.AccessViolation, pc).WithAddr(vaddr, size, true)
	}
	if m.Perf != nil {
		m.Perf.OnMemoryReference(kernel)
	}
	if m.MMIO.IsMMIO(paddr) {
		m.MMIO.Write(paddr, value, size)
		m.Res.Clear(cpu) // conservative: an MMIO write drops the writing CPU's own reservation; other CPUs' are untouched
		return fault.Fault{}
	}
	if !m.L1D.Write(paddr, encodeLE(value, size)) && m.Perf != nil {
		m.Perf.OnDCacheMiss(kernel)
	}
	m.Res.NotifyWrite(cpu, paddr, size)
	m.invalidateSelfModifying(paddr, size)
	return fault.Fault{}
}

// FetchInstruction implements spec.md §4.4 fetchInstruction: a 4-byte
// aligned read through the I-cache.
func (m *MemorySystem) FetchInstruction(cpu CPUID, vaddr uint64, pc uint64, asn uint32, kernel bool) (uint32, fault.Fault) {
	if vaddr&0x3 != 0 {
		return 0, fault.New(fault.AlignmentFault, pc).WithAddr(vaddr, 4, false)
	}
	paddr, hit, f := m.TLB.Translate(vaddr, asn, false, true, kernel, pc)
	if !f.Ok() {
		return 0, f
	}
	if !hit && m.Perf != nil {
		m.Perf.OnTLBMiss(kernel)
	}
	if !m.MMIO.CheckPerm(paddr, 4) { // PermExecute == 4
		return 0, fault.New(fault.AccessViolation, pc).WithAddr(vaddr, 4, false)
	}
	data, cacheHit := m.ICache.Read(paddr, 4)
	if !cacheHit && m.Perf != nil {
		m.Perf.OnICacheMiss(kernel)
	}
	return uint32(decodeLE(data)), fault.Fault{}
}

// Probe implements spec.md §4.4 probe: a side-effect-free feasibility check
// used by prefetch decisions.
func (m *MemorySystem) Probe(cpu CPUID, vaddr uint64, isWrite bool, asn uint32, kernel bool) bool {
	paddr, _, f := m.TLB.Translate(vaddr, asn, isWrite, false, kernel, 0)
	if !f.Ok() {
		return false
	}
	want := uint8(1)
	if isWrite {
		want = 2
	}
	return m.MMIO.CheckPerm(paddr, want)
}

// LoadLinked performs an LL: a normal read plus a reservation registration
// (spec.md §4.4 step 5).
func (m *MemorySystem) LoadLinked(cpu CPUID, vaddr uint64, size uint8, pc uint64, asn uint32, kernel bool) (uint64, fault.Fault) {
	paddr, _, f := m.TLB.Translate(vaddr, asn, false, false, kernel, pc)
	if !f.Ok() {
		return 0, f
	}
	val, f := m.ReadVirtual(cpu, vaddr, size, pc, asn, kernel, false)
	if !f.Ok() {
		return 0, f
	}
	m.Res.Register(cpu, paddr, size)
	return val, fault.Fault{}
}

// StoreConditional performs an SC: a conditional write gated on reservation
// validity (spec.md §4.4 step 6). Returns success=true iff the store
// happened.
func (m *MemorySystem) StoreConditional(cpu CPUID, vaddr uint64, value uint64, size uint8, pc uint64, asn uint32, kernel bool) (bool, fault.Fault) {
	paddr, _, f := m.TLB.Translate(vaddr, asn, true, false, kernel, pc)
	if !f.Ok() {
		m.Res.Clear(cpu)
		return false, f
	}
	if !m.Res.Validate(cpu, paddr, size) {
		m.Res.Clear(cpu)
		return false, fault.Fault{}
	}
	f = m.WriteVirtual(cpu, vaddr, value, size, pc, asn, kernel, false)
	m.Res.Clear(cpu)
	return f.Ok(), f
}

// invalidateSelfModifying implements spec.md §4.4's self-modifying-code
// rule: a write overlapping an I-cache line invalidates that line and any
// JIT block translated from it.
func (m *MemorySystem) invalidateSelfModifying(paddr uint64, size uint8) {
	start := paddr &^ uint64(lineSize-1)
	end := paddr + uint64(size)
	for a := start; a < end; a += lineSize {
		m.ICache.Invalidate(a)
	}
	if m.JIT != nil {
		m.JIT.InvalidateRange(paddr, int(size))
	}
}

// FlushWriteBuffers implements spec.md §4.4 flushWriteBuffers: in this
// instruction-accurate model there is no write-combining buffer to drain,
// so it is simply a documented no-op synchronization point that a caller
// can serialize on.
func (m *MemorySystem) FlushWriteBuffers(cpu CPUID) {
	m.wbDirty = m.wbDirty[:0]
}

// ExecuteMemoryBarrier implements spec.md §4.4/§4.9: MB/WMB/RMB. In a
// single-process emulator with no host-visible store buffering, every
// barrier kind reduces to flushing local bookkeeping; SMP-wide ordering is
// established by the caller also invoking smp.Coordinator's barrier
// broadcast (memsys does not import smp to avoid a dependency cycle; the
// CPU core wires both per spec.md's arena design).
func (m *MemorySystem) ExecuteMemoryBarrier(kind BarrierKind, cpu CPUID) {
	m.FlushWriteBuffers(cpu)
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

func encodeLE(v uint64, size uint8) []byte {
	out := make([]byte, size)
	for i := uint8(0); i < size; i++ {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
