package memsys

import (
	"testing"

	"github.com/openalpha/alphasim/internal/fault"
)

type fakeTranslator struct {
	fail fault.Fault
}

func (t *fakeTranslator) Translate(vaddr uint64, asn uint32, isWrite, isExecute, kernel bool, pc uint64) (uint64, bool, fault.Fault) {
	if !t.fail.Ok() {
		return 0, false, t.fail
	}
	return vaddr, true, fault.Fault{} // identity map for tests
}

type fakeCache struct {
	mem map[uint64]byte
}

func newFakeCache() *fakeCache { return &fakeCache{mem: make(map[uint64]byte)} }

func (c *fakeCache) Read(paddr uint64, size int) ([]byte, bool) {
	out := make([]byte, size)
	hit := true
	for i := 0; i < size; i++ {
		if _, ok := c.mem[paddr+uint64(i)]; !ok {
			hit = false
		}
		out[i] = c.mem[paddr+uint64(i)]
	}
	return out, hit
}

func (c *fakeCache) Write(paddr uint64, data []byte) bool {
	hit := true
	for i, b := range data {
		if _, ok := c.mem[paddr+uint64(i)]; !ok {
			hit = false
		}
		c.mem[paddr+uint64(i)] = b
	}
	return hit
}

func (c *fakeCache) Invalidate(paddr uint64) {}

type fakeMMIO struct {
	ioStart, ioEnd uint64
	lastWrite      uint64
	denyPerm       bool
}

func (m *fakeMMIO) IsMMIO(paddr uint64) bool { return paddr >= m.ioStart && paddr <= m.ioEnd }
func (m *fakeMMIO) Read(addr uint64, size uint8) uint64 {
	return 0xAA
}
func (m *fakeMMIO) Write(addr uint64, value uint64, size uint8) { m.lastWrite = value }
func (m *fakeMMIO) CheckPerm(addr uint64, want uint8) bool      { return !m.denyPerm }

type fakeRes struct {
	registered bool
	cleared    bool
	valid      bool
	notified   bool
}

func (r *fakeRes) Register(cpu CPUID, paddr uint64, size uint8) { r.registered = true }
func (r *fakeRes) Validate(cpu CPUID, paddr uint64, size uint8) bool { return r.valid }
func (r *fakeRes) Clear(cpu CPUID)                                   { r.cleared = true }
func (r *fakeRes) NotifyWrite(writer CPUID, paddr uint64, size uint8) { r.notified = true }

func newSystem() (*MemorySystem, *fakeCache, *fakeMMIO, *fakeRes) {
	tlb := &fakeTranslator{}
	l1d := newFakeCache()
	icache := newFakeCache()
	mmio := &fakeMMIO{ioStart: 1, ioEnd: 0} // empty range by default
	res := &fakeRes{}
	return New(tlb, l1d, icache, mmio, res, nil), l1d, mmio, res
}

func TestReadWriteVirtualRoundTrip(t *testing.T) {
	m, _, _, _ := newSystem()
	if f := m.WriteVirtual(0, 0x100, 0xDEADBEEF, 4, 0, 0, false, false); !f.Ok() {
		t.Fatalf("write faulted: %v", f)
	}
	got, f := m.ReadVirtual(0, 0x100, 4, 0, 0, false, false)
	if !f.Ok() {
		t.Fatalf("read faulted: %v", f)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("got 0x%x, want 0xDEADBEEF", got)
	}
}

func TestUnalignedAccessFaults(t *testing.T) {
	m, _, _, _ := newSystem()
	_, f := m.ReadVirtual(0, 0x101, 4, 0, 0, false, false)
	if f.Kind != fault.AlignmentFault {
		t.Fatalf("got %v, want AlignmentFault", f.Kind)
	}
}

func TestUnalignedOpcodeBypassesCheck(t *testing.T) {
	m, _, _, _ := newSystem()
	_, f := m.ReadVirtual(0, 0x101, 4, 0, 0, false, true)
	if !f.Ok() {
		t.Fatalf("unaligned opcode should bypass alignment check: %v", f)
	}
}

func TestMMIOReadBypassesCache(t *testing.T) {
	m, _, mmio, _ := newSystem()
	mmio.ioStart, mmio.ioEnd = 0x2000, 0x2FFF
	got, f := m.ReadVirtual(0, 0x2004, 1, 0, 0, false, false)
	if !f.Ok() {
		t.Fatalf("unexpected fault: %v", f)
	}
	if got != 0xAA {
		t.Fatalf("got 0x%x, want 0xaa from fakeMMIO", got)
	}
}

func TestMMIOWriteClearsReservation(t *testing.T) {
	m, _, mmio, res := newSystem()
	mmio.ioStart, mmio.ioEnd = 0x2000, 0x2FFF
	res.valid = true
	m.WriteVirtual(0, 0x2000, 0x7, 1, 0, 0, false, false)
	if mmio.lastWrite != 0x7 {
		t.Fatalf("device did not receive write")
	}
	if !res.cleared {
		t.Fatalf("reservation not cleared on MMIO write")
	}
}

func TestLoadLinkedStoreConditionalSucceeds(t *testing.T) {
	m, _, _, res := newSystem()
	res.valid = true
	_, f := m.LoadLinked(0, 0x100, 8, 0, 0, false)
	if !f.Ok() {
		t.Fatalf("LL faulted: %v", f)
	}
	if !res.registered {
		t.Fatalf("LL did not register a reservation")
	}
	ok, f := m.StoreConditional(0, 0x100, 0x42, 8, 0, 0, false)
	if !f.Ok() || !ok {
		t.Fatalf("SC should succeed: ok=%v f=%v", ok, f)
	}
	if !res.cleared {
		t.Fatalf("SC did not clear reservation")
	}
}

func TestStoreConditionalFailsOnInvalidReservation(t *testing.T) {
	m, _, _, res := newSystem()
	res.valid = false
	ok, f := m.StoreConditional(0, 0x100, 0x42, 8, 0, 0, false)
	if !f.Ok() {
		t.Fatalf("failed SC should not itself fault: %v", f)
	}
	if ok {
		t.Fatalf("SC should fail when reservation invalid")
	}
}

func TestPlainWriteNotifiesReservationTracker(t *testing.T) {
	m, _, _, res := newSystem()
	if f := m.WriteVirtual(0, 0x100, 0x1, 4, 0, 0, false, false); !f.Ok() {
		t.Fatalf("write faulted: %v", f)
	}
	if !res.notified {
		t.Fatalf("expected NotifyWrite to fire on a plain (non-MMIO) write")
	}
}

func TestAccessViolationOnDeniedPerm(t *testing.T) {
	m, _, mmio, _ := newSystem()
	mmio.denyPerm = true
	mmio.ioStart, mmio.ioEnd = 1, 0 // keep plain-memory path
	_, f := m.ReadVirtual(0, 0x100, 4, 0, 0, false, false)
	if f.Kind != fault.AccessViolation {
		t.Fatalf("got %v, want AccessViolation", f.Kind)
	}
}
