package cpu

import "testing"

type fakeTLBOps struct {
	invalidatedAll  bool
	invalidatedASN  uint32
	invalidatedAddr uint64
}

func (f *fakeTLBOps) InvalidateAll()                                  { f.invalidatedAll = true }
func (f *fakeTLBOps) InvalidateByASN(asn uint32)                      { f.invalidatedASN = asn }
func (f *fakeTLBOps) InvalidateEntry(vaddr uint64, asn uint32)        { f.invalidatedAddr = vaddr }
func (f *fakeTLBOps) InvalidateDataEntry(vaddr uint64, asn uint32)    { f.invalidatedAddr = vaddr }
func (f *fakeTLBOps) InvalidateInstructionEntry(vaddr uint64, asn uint32) { f.invalidatedAddr = vaddr }

func TestGenericSlotIsPureStorage(t *testing.T) {
	b := NewIprBank(IprHooks{})
	b.Write(IPRGeneric0+5, 0x1234)
	if got := b.Read(IPRGeneric0 + 5); got != 0x1234 {
		t.Fatalf("got 0x%x, want 0x1234", got)
	}
}

func TestTBIATriggersInvalidateAllWithoutStoring(t *testing.T) {
	tlb := &fakeTLBOps{}
	b := NewIprBank(IprHooks{TLB: tlb})
	b.Write(IPRTBIA, 0xFF)
	if !tlb.invalidatedAll {
		t.Fatalf("TBIA write did not trigger InvalidateAll")
	}
	if got := b.Read(IPRTBIA); got != 0 {
		t.Fatalf("TBIA must not store a value, got 0x%x", got)
	}
}

func TestASNWriteInvalidatesOldASN(t *testing.T) {
	tlb := &fakeTLBOps{}
	b := NewIprBank(IprHooks{TLB: tlb})
	b.Write(IPRASN, 3)
	b.Write(IPRASN, 7)
	if tlb.invalidatedASN != 3 {
		t.Fatalf("got invalidated ASN %d, want 3 (the old value)", tlb.invalidatedASN)
	}
	if got := b.Read(IPRASN); got != 7 {
		t.Fatalf("got ASN 0x%x, want 7", got)
	}
}

func TestPSChangeCallback(t *testing.T) {
	var oldSeen, newSeen uint64
	b := NewIprBank(IprHooks{OnPSChange: func(old, updated uint64) {
		oldSeen, newSeen = old, updated
	}})
	b.Write(IPRPS, 0x1)
	if newSeen != 0x1 {
		t.Fatalf("got new=0x%x, want 1", newSeen)
	}
	b.Write(IPRPS, 0x2)
	if oldSeen != 0x1 || newSeen != 0x2 {
		t.Fatalf("got old=0x%x new=0x%x, want old=1 new=2", oldSeen, newSeen)
	}
}

func TestWriteNoopWhenUnchanged(t *testing.T) {
	calls := 0
	b := NewIprBank(IprHooks{OnFENChange: func(enabled bool) { calls++ }})
	b.Write(IPRFEN, 1)
	b.Write(IPRFEN, 1)
	if calls != 1 {
		t.Fatalf("got %d callback invocations, want 1 (second write was a no-op)", calls)
	}
}

func TestRegisterFileR31Clamped(t *testing.T) {
	rf := &RegisterFile{}
	rf.SetInt(31, 0xFFFFFFFF)
	if got := rf.GetInt(31); got != 0 {
		t.Fatalf("R31 got 0x%x, want 0", got)
	}
	rf.SetInt(5, 42)
	if got := rf.GetInt(5); got != 42 {
		t.Fatalf("R5 got %d, want 42", got)
	}
}

func TestFltViews(t *testing.T) {
	rf := &RegisterFile{}
	rf.SetFltDouble(1, 3.5)
	if got := rf.GetFltDouble(1); got != 3.5 {
		t.Fatalf("got %v, want 3.5", got)
	}
	rf.SetFltSingle(2, 1.5)
	if got := rf.GetFltSingle(2); got != 1.5 {
		t.Fatalf("got %v, want 1.5", got)
	}
}
