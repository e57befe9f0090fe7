package jit

import "testing"

// fakeFetcher serves instruction words from a flat map, as if backed by a
// single contiguous instruction stream starting at some base PC.
type fakeFetcher struct {
	words map[uint64]uint32
}

func (f *fakeFetcher) FetchWord(pc uint64) (uint32, bool) {
	w, ok := f.words[pc]
	return w, ok
}

func encodeOperate(opcode uint8, ra, rb, rc uint8, fn uint16) uint32 {
	return uint32(opcode)<<26 | uint32(ra)<<21 | uint32(rb)<<16 | uint32(fn)<<5 | uint32(rc)
}

func encodeMem(opcode uint8, ra, rb uint8, disp16 uint16) uint32 {
	return uint32(opcode)<<26 | uint32(ra)<<21 | uint32(rb)<<16 | uint32(disp16)
}

func sequential(words []uint32, base uint64) *fakeFetcher {
	m := make(map[uint64]uint32, len(words))
	for i, w := range words {
		m[base+uint64(i)*4] = w
	}
	return &fakeFetcher{words: m}
}

func TestLookupMissBeforeCompiled(t *testing.T) {
	c := New(2, 20)
	if _, ok := c.Lookup(0x1000); ok {
		t.Fatalf("expected no block before any dispatch")
	}
}

func TestRecordDispatchPromotesAtThreshold(t *testing.T) {
	c := New(3, 20)
	fetch := sequential([]uint32{encodeMem(opLDQ, 1, 30, 0)}, 0x1000)

	if b := c.RecordDispatch(0x1000, fetch); b != nil {
		t.Fatalf("hit 1: expected no compile yet")
	}
	if b := c.RecordDispatch(0x1000, fetch); b != nil {
		t.Fatalf("hit 2: expected no compile yet")
	}
	b := c.RecordDispatch(0x1000, fetch)
	if b == nil {
		t.Fatalf("hit 3: expected compile at threshold")
	}
	if b.StartPC != 0x1000 {
		t.Fatalf("got StartPC=0x%x, want 0x1000", b.StartPC)
	}

	got, ok := c.Lookup(0x1000)
	if !ok || got != b {
		t.Fatalf("Lookup did not return the compiled block")
	}

	if b2 := c.RecordDispatch(0x1000, fetch); b2 != nil {
		t.Fatalf("expected nil on subsequent dispatches: already compiled")
	}
}

func TestCompileStopsAtBranch(t *testing.T) {
	fetch := sequential([]uint32{
		encodeOperate(0x10, 1, 2, 3, 0x00), // ADDL, arbitrary INTA opcode
		encodeMem(0x30, 1, 0, 0),           // BR
		encodeMem(opLDQ, 1, 30, 0),         // never reached
	}, 0x2000)

	b := compile(0x2000, 20, fetch)
	if len(b.Ops) != 2 {
		t.Fatalf("got %d ops, want 2 (stop at branch)", len(b.Ops))
	}
	if b.EndPC != 0x2008 {
		t.Fatalf("got EndPC=0x%x, want 0x2008", b.EndPC)
	}
}

func TestCompileStopsAtMaxInstrs(t *testing.T) {
	words := make([]uint32, 10)
	for i := range words {
		words[i] = encodeOperate(0x10, 1, 2, 3, 0x00)
	}
	fetch := sequential(words, 0x3000)

	b := compile(0x3000, 4, fetch)
	if len(b.Ops) != 4 {
		t.Fatalf("got %d ops, want 4 (maxInstrs bound)", len(b.Ops))
	}
}

func TestDetectFusionUnalignedLoadQuad(t *testing.T) {
	words := []uint32{
		encodeMem(opLDQ_U, 1, 30, 0),
		encodeMem(opLDQ_U, 2, 30, 8),
		encodeOperate(opINTS, 3, 1, 3, fnEXTQL),
		encodeOperate(opINTS, 4, 2, 4, fnEXTQH),
	}
	kind, n := detectFusion(words)
	if kind != FusedUnalignedLoadQuad || n != 4 {
		t.Fatalf("got kind=%v n=%d, want FusedUnalignedLoadQuad,4", kind, n)
	}
}

func TestDetectFusionUnalignedStoreQuad(t *testing.T) {
	words := []uint32{
		encodeMem(opLDQ_U, 1, 30, 0),
		encodeOperate(opINTS, 2, 1, 2, fnINSQL),
		encodeOperate(opINTS, 3, 1, 3, fnMSKQL),
		encodeMem(opSTQ_U, 2, 30, 0),
	}
	kind, n := detectFusion(words)
	if kind != FusedUnalignedStoreQuad || n != 4 {
		t.Fatalf("got kind=%v n=%d, want FusedUnalignedStoreQuad,4", kind, n)
	}
}

func TestDetectFusionPrefetch(t *testing.T) {
	words := []uint32{encodeMem(opLDQ, 31, 30, 0)} // destination Ra == R31
	kind, n := detectFusion(words)
	if kind != FusedPrefetch || n != 1 {
		t.Fatalf("got kind=%v n=%d, want FusedPrefetch,1", kind, n)
	}
}

func TestDetectFusionNoMatch(t *testing.T) {
	words := []uint32{encodeOperate(0x10, 1, 2, 3, 0x00)}
	kind, n := detectFusion(words)
	if kind != FusedNone || n != 0 {
		t.Fatalf("got kind=%v n=%d, want FusedNone,0", kind, n)
	}
}

func TestCompileFusesLoadQuadIdiomAndCarriesFirstPC(t *testing.T) {
	words := []uint32{
		encodeMem(opLDQ_U, 1, 30, 0),
		encodeMem(opLDQ_U, 2, 30, 8),
		encodeOperate(opINTS, 3, 1, 3, fnEXTQL),
		encodeOperate(opINTS, 4, 2, 4, fnEXTQH),
		encodeOperate(0x10, 1, 2, 3, 0x00),
	}
	fetch := sequential(words, 0x4000)
	b := compile(0x4000, 20, fetch)

	if len(b.Ops) != 2 {
		t.Fatalf("got %d ops, want 2 (one fused + one plain)", len(b.Ops))
	}
	if b.Ops[0].Fused != FusedUnalignedLoadQuad || b.Ops[0].FirstPC != 0x4000 || b.Ops[0].SourceLen != 4 {
		t.Fatalf("fused op wrong: %+v", b.Ops[0])
	}
	if b.Ops[1].FirstPC != 0x4010 || b.Ops[1].Fused != FusedNone {
		t.Fatalf("trailing plain op wrong: %+v", b.Ops[1])
	}
	if b.EndPC != 0x4014 {
		t.Fatalf("got EndPC=0x%x, want 0x4014", b.EndPC)
	}
}

func TestInvalidateRangeDropsOverlappingBlocks(t *testing.T) {
	c := New(1, 20)
	fetch := sequential([]uint32{encodeOperate(0x10, 1, 2, 3, 0x00)}, 0x5000)
	c.RecordDispatch(0x5000, fetch)

	if _, ok := c.Lookup(0x5000); !ok {
		t.Fatalf("expected block present before invalidate")
	}
	c.InvalidateRange(0x5000, 4)
	if _, ok := c.Lookup(0x5000); ok {
		t.Fatalf("expected block dropped after InvalidateRange")
	}
}

func TestInvalidateRangeLeavesNonOverlapping(t *testing.T) {
	c := New(1, 20)
	fetch := sequential([]uint32{encodeOperate(0x10, 1, 2, 3, 0x00)}, 0x6000)
	c.RecordDispatch(0x6000, fetch)

	c.InvalidateRange(0x9000, 4)
	if _, ok := c.Lookup(0x6000); !ok {
		t.Fatalf("expected non-overlapping block to survive invalidate")
	}
}
