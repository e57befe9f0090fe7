package tlb

import (
	"testing"

	"github.com/openalpha/alphasim/internal/fault"
)

// fakeMem is a flat physical-memory stand-in sufficient for PTE fetches.
type fakeMem struct {
	data map[uint64]uint64
}

func newFakeMem() *fakeMem { return &fakeMem{data: make(map[uint64]uint64)} }

func (m *fakeMem) ReadBypass(addr uint64, size uint8) uint64 { return m.data[addr] }

// buildThreeLevel writes a page table at ptbr mapping vpn -> ppn with the
// given leaf permission bits, creating L1/L2 pointer PTEs as needed.
func buildThreeLevel(m *fakeMem, ptbr, vpn, ppn uint64, leafBits uint64) {
	l1 := ptbr
	l2 := ptbr + 0x2000
	l3 := ptbr + 0x4000

	idx0 := (vpn >> 20) & 0x3FF
	idx1 := (vpn >> 10) & 0x3FF
	idx2 := vpn & 0x3FF

	m.data[l1+idx0*8] = (l2 >> PageShift << 32) | pteValid
	m.data[l2+idx1*8] = (l3 >> PageShift << 32) | pteValid
	m.data[l3+idx2*8] = (ppn << 32) | pteValid | leafBits
}

func TestTranslateMissThenHit(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	buildThreeLevel(mem, ptbr, 0x2000>>PageShift, 0x8000>>PageShift, pteKRE|pteURE)

	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(4, w)

	paddr, hit, f := tl.Translate(0x2000, 1, false, false, true, 0x100)
	if !f.Ok() {
		t.Fatalf("unexpected fault: %v", f)
	}
	if paddr != 0x8000 {
		t.Fatalf("got paddr 0x%x, want 0x8000", paddr)
	}
	if hit {
		t.Fatalf("first access should be a TLB miss")
	}

	paddr2, hit2, f2 := tl.Translate(0x2008, 1, false, false, true, 0x104)
	if !f2.Ok() {
		t.Fatalf("unexpected fault on second access: %v", f2)
	}
	if paddr2 != 0x8008 {
		t.Fatalf("got paddr 0x%x, want 0x8008", paddr2)
	}
	if !hit2 {
		t.Fatalf("second access to the same page should hit")
	}
}

func TestTranslateNotValidAtFirstLevel(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(4, w)

	_, _, f := tl.Translate(0x2000, 1, false, false, true, 0)
	if f.Kind != fault.TranslationNotValid {
		t.Fatalf("got %v, want TranslationNotValid", f.Kind)
	}
	if f.Level != 0 {
		t.Fatalf("got level %d, want 0 (first level has no valid PTE)", f.Level)
	}
}

func TestWriteProtectionFault(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	buildThreeLevel(mem, ptbr, 0x2000>>PageShift, 0x8000>>PageShift, pteKRE) // read-only
	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(4, w)

	_, _, f := tl.Translate(0x2000, 1, true, false, true, 0)
	if f.Kind != fault.WriteProtectionFault {
		t.Fatalf("got %v, want WriteProtectionFault", f.Kind)
	}
}

func TestInvalidateByASN(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	buildThreeLevel(mem, ptbr, 0x2000>>PageShift, 0x8000>>PageShift, pteKRE|pteURE)
	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(4, w)

	tl.Translate(0x2000, 7, false, false, true, 0)
	if _, ok := tl.entries[key{vpn: 0x2000 >> PageShift, asn: 7}]; !ok {
		t.Fatalf("entry not installed")
	}
	tl.InvalidateByASN(7)
	if _, ok := tl.entries[key{vpn: 0x2000 >> PageShift, asn: 7}]; ok {
		t.Fatalf("entry survived InvalidateByASN")
	}
}

func TestGlobalEntryIgnoresASN(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	buildThreeLevel(mem, ptbr, 0x2000>>PageShift, 0x8000>>PageShift, pteKRE|pteURE|pteASM)
	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(4, w)

	tl.Translate(0x2000, 1, false, false, true, 0)
	paddr, hit, f := tl.Translate(0x2000, 99, false, false, true, 0)
	if !f.Ok() {
		t.Fatalf("global entry should match under a different ASN: %v", f)
	}
	if !hit {
		t.Fatalf("global entry installed under ASN 1 should hit under ASN 99")
	}
	if paddr != 0x8000 {
		t.Fatalf("got 0x%x, want 0x8000", paddr)
	}
}

func TestVictimBufferRecall(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	buildThreeLevel(mem, ptbr, 0x1000, 0x9000, pteKRE|pteURE)
	buildThreeLevel(mem, ptbr, 0x2000, 0xA000, pteKRE|pteURE)
	buildThreeLevel(mem, ptbr, 0x3000, 0xB000, pteKRE|pteURE)
	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(2, w) // capacity 2: third distinct VPN evicts the LRU

	tl.Translate(0x1000<<PageShift, 1, false, false, true, 0)
	tl.Translate(0x2000<<PageShift, 1, false, false, true, 0)
	tl.Translate(0x3000<<PageShift, 1, false, false, true, 0) // evicts vpn 0x1000 to victim buffer

	if len(tl.victim) != 1 {
		t.Fatalf("expected 1 victim entry, got %d", len(tl.victim))
	}

	// Re-accessing the evicted page should recall it from the victim
	// buffer rather than walking again. Reinstalling it into the full TLB
	// displaces the LRU entry (vpn 0x2000), which takes its place in the
	// victim buffer.
	_, hit, f := tl.Translate(0x1000<<PageShift, 1, false, false, true, 0)
	if !f.Ok() {
		t.Fatalf("unexpected fault recalling victim entry: %v", f)
	}
	if !hit {
		t.Fatalf("recall from the victim buffer should count as a hit")
	}
	if len(tl.victim) != 1 || tl.victim[0].VPN != 0x2000 {
		t.Fatalf("victim buffer should hold only the displaced vpn 0x2000 after recall, has %d entries", len(tl.victim))
	}
}

func TestInstructionEntryTaggedAndInvalidatedSeparately(t *testing.T) {
	mem := newFakeMem()
	const ptbr = 0x10000
	buildThreeLevel(mem, ptbr, 0x2000>>PageShift, 0x8000>>PageShift, pteKRE|pteURE)
	w := NewPageWalker(mem, func() uint64 { return ptbr })
	tl := New(4, w)

	if _, _, f := tl.Translate(0x2000, 1, false, true, true, 0); !f.Ok() {
		t.Fatalf("unexpected fault on instruction fetch: %v", f)
	}
	e, ok := tl.entries[key{vpn: 0x2000 >> PageShift, asn: 1}]
	if !ok {
		t.Fatalf("entry not installed")
	}
	if e.Kind != KindInstruction {
		t.Fatalf("got Kind %v, want KindInstruction", e.Kind)
	}

	// A data-scoped invalidation must not touch an instruction-stream entry.
	tl.InvalidateDataEntry(0x2000, 1)
	if _, ok := tl.entries[key{vpn: 0x2000 >> PageShift, asn: 1}]; !ok {
		t.Fatalf("InvalidateDataEntry must not drop an instruction entry")
	}
	tl.InvalidateInstructionEntry(0x2000, 1)
	if _, ok := tl.entries[key{vpn: 0x2000 >> PageShift, asn: 1}]; ok {
		t.Fatalf("InvalidateInstructionEntry should drop an instruction entry")
	}
}
