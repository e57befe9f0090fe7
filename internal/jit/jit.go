// Package jit implements JITBlockCache (C12): hot-block detection and
// fused micro-op compilation, per spec.md §4.7.
//
// Grounded on the teacher's DebugMonitor-style PC-keyed bookkeeping maps
// (the teacher tracks per-PC breakpoint/watch state in a plain
// map[uint64]*struct guarded by a mutex); here the same shape tracks
// per-PC hit counters and compiled blocks.
//
// This package intentionally does not import internal/cpu: it works
// directly on raw instruction words and the handful of opcode bits needed
// to recognize block boundaries and fusable idioms, so that package cpu
// can depend on jit (to drive block dispatch) without a cycle.
package jit

import "sync"

const (
	// DefaultHotThreshold is the hit count at which a PC is promoted from
	// the interpreter loop to a compiled block (spec.md §4.7 default 100).
	DefaultHotThreshold = 100
	// MaxBlockInstructions bounds a single compiled block (spec.md §4.7:
	// "scans forward up to 20 instructions").
	MaxBlockInstructions = 20
)

// FusedKind tags a compiled micro-op as a recognized Alpha idiom fusion
// (spec.md §4.7 "Fused operations"), replacing the teacher's closure-
// capture style with a plain tagged variant (spec.md §9 design note:
// "model each fused micro-op as a variant of the micro-op enum").
type FusedKind int

const (
	FusedNone FusedKind = iota
	FusedUnalignedLoadQuad
	FusedUnalignedStoreQuad
	FusedPrefetch
)

// MicroOp is one compiled unit: either a single plain instruction word, or
// a fused idiom spanning SourceLen raw words starting at PC. FirstPC is
// always the PC of the first instruction in the source sequence, carried
// explicitly so a fault raised by a fused op reports it without having to
// reconstruct it from block start + offset (spec.md §9 resolved Open
// Question, SPEC_FULL supplemented-features §1).
type MicroOp struct {
	FirstPC   uint64
	Raw       uint32 // the leading raw word; the dispatcher re-fetches every source word when it runs the op
	Fused     FusedKind
	SourceLen int // number of raw instruction words this micro-op replaces
}

// Block is a compiled sequence dispatched as a unit once a PC goes hot.
type Block struct {
	StartPC uint64
	EndPC   uint64 // one past the last source byte the block covers
	Ops     []MicroOp
}

func (b *Block) overlaps(addr uint64, size int) bool {
	end := addr + uint64(size)
	return addr < b.EndPC && end > b.StartPC
}

// Fetcher supplies raw instruction words for block compilation.
type Fetcher interface {
	// FetchWord returns the raw word at pc, or ok=false if it could not be
	// fetched (e.g. a translation fault) — compilation stops there.
	FetchWord(pc uint64) (word uint32, ok bool)
}

type entry struct {
	hits  int
	block *Block
}

// BlockCache is C12.
type BlockCache struct {
	mu            sync.Mutex
	entries       map[uint64]*entry
	hotThreshold  int
	maxInstrs     int
}

func New(hotThreshold, maxInstrs int) *BlockCache {
	if hotThreshold <= 0 {
		hotThreshold = DefaultHotThreshold
	}
	if maxInstrs <= 0 {
		maxInstrs = MaxBlockInstructions
	}
	return &BlockCache{entries: make(map[uint64]*entry), hotThreshold: hotThreshold, maxInstrs: maxInstrs}
}

// Lookup reports a compiled block for pc if one has already been built.
func (c *BlockCache) Lookup(pc uint64) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pc]
	if !ok || e.block == nil {
		return nil, false
	}
	return e.block, true
}

// RecordDispatch increments pc's hit counter and, once it crosses
// hotThreshold, compiles a block via fetch. Returns the freshly compiled
// block if this call was the one that crossed the threshold, else nil.
func (c *BlockCache) RecordDispatch(pc uint64, fetch Fetcher) *Block {
	c.mu.Lock()
	e, ok := c.entries[pc]
	if !ok {
		e = &entry{}
		c.entries[pc] = e
	}
	e.hits++
	if e.block != nil || e.hits < c.hotThreshold {
		c.mu.Unlock()
		return nil
	}
	maxInstrs := c.maxInstrs
	c.mu.Unlock()

	block := compile(pc, maxInstrs, fetch)

	c.mu.Lock()
	e.block = block
	c.mu.Unlock()
	return block
}

// InvalidateRange drops every compiled block overlapping [addr, addr+size),
// per spec.md §4.4/§4.7's self-modifying-code rule (over-invalidation, by
// whole-block granularity, is explicitly acceptable).
func (c *BlockCache) InvalidateRange(addr uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pc, e := range c.entries {
		if e.block != nil && e.block.overlaps(addr, size) {
			delete(c.entries, pc)
		}
	}
}
