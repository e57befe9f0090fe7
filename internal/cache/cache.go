// Package cache implements the Alpha emulator's N-way set-associative
// write-back cache hierarchy (C3) and read-only instruction cache (C4),
// per spec.md §4.2.
//
// Grounded on the teacher's CPU64/SystemBus split between "fast path" and
// "locked path" access (cpu_ie64.go's unsafe-pointer fetch vs. the bus's
// mutex-guarded Read32/Write32): here the fast path is a lock-free read hit
// over atomic valid/dirty/tag fields (spec.md §4.2's "atomic flags on cache
// lines" design note), and the slow path (miss, write, snoop) takes the
// set's lock.
package cache

import (
	"sync"
	"sync/atomic"
)

// State is a MESI coherency state.
type State uint8

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	default:
		return "?"
	}
}

// SnoopOp is a bus event delivered to Snoop by another CPU's cache.
type SnoopOp int

const (
	SnoopRead SnoopOp = iota
	SnoopWriteRFO
	SnoopInvalidate
	SnoopFlush
)

// Backing is the next level a cache falls through to on miss: another
// Cache, or ultimately physical memory. Both *Cache and a thin adapter over
// internal/memory.PhysicalMemory satisfy this.
type Backing interface {
	FetchLine(paddr uint64, size int) []byte
	StoreLine(paddr uint64, data []byte)
}

// Line is one cache line. valid/dirty/tag/lastUse are accessed atomically
// so a read hit never takes the set lock; data is only ever mutated while
// the set lock is held (misses, writes, snoops), preserving the lock-free
// read-hit path spec.md calls for.
type Line struct {
	valid   atomic.Bool
	dirty   atomic.Bool
	tag     atomic.Uint64
	lastUse atomic.Uint64
	state   State // protected by the owning Set's mutex; only touched with it held
	data    []byte
}

// Set is one N-way set: N lines plus the set-wide lock used for misses,
// writes and snoops.
type Set struct {
	mu    sync.Mutex
	lines []Line
}

// Cache is an N-way set-associative write-back cache.
type Cache struct {
	lineSize  int
	numSets   int
	ways      int
	sets      []Set
	next      Backing // nil at the top of the hierarchy that owns backing memory directly
	backing   Backing // PhysicalMemory adapter, only used by the last level
	clock     atomic.Uint64
	instrOnly bool // true for an InstructionCache: Write is disallowed
}

// New builds a cache with the given geometry. next is the next cache level
// to consult on miss (nil if this cache talks directly to backing).
// backing is the ultimate physical-memory fallback, used only when next is
// nil.
func New(lineSize, numSets, ways int, next Backing, backing Backing) *Cache {
	c := &Cache{lineSize: lineSize, numSets: numSets, ways: ways, next: next, backing: backing}
	c.sets = make([]Set, numSets)
	for i := range c.sets {
		c.sets[i].lines = make([]Line, ways)
		for w := range c.sets[i].lines {
			c.sets[i].lines[w].data = make([]byte, lineSize)
		}
	}
	return c
}

// NewInstructionCache builds a read-only cache over next/backing (C4).
func NewInstructionCache(lineSize, numSets, ways int, next Backing, backing Backing) *Cache {
	c := New(lineSize, numSets, ways, next, backing)
	c.instrOnly = true
	return c
}

func (c *Cache) lineAddr(paddr uint64) (setIdx int, tag uint64, offset int) {
	lineAddr := paddr / uint64(c.lineSize)
	offset = int(paddr % uint64(c.lineSize))
	setIdx = int(lineAddr % uint64(c.numSets))
	tag = lineAddr / uint64(c.numSets)
	return
}

func (s *Set) findHit(tag uint64) (int, bool) {
	for w := range s.lines {
		l := &s.lines[w]
		if l.valid.Load() && l.tag.Load() == tag {
			return w, true
		}
	}
	return -1, false
}

// findLRU returns the way with the oldest access timestamp; ties break by
// lowest way index (spec.md §4.2).
func (s *Set) findLRU() int {
	if !s.lines[0].valid.Load() {
		return 0 // prefer an empty way outright
	}
	best := 0
	bestTS := s.lines[0].lastUse.Load()
	for w := 1; w < len(s.lines); w++ {
		ts := s.lines[w].lastUse.Load()
		if !s.lines[w].valid.Load() {
			return w // prefer an empty way outright
		}
		if ts < bestTS {
			bestTS = ts
			best = w
		}
	}
	return best
}

// Read implements spec.md §4.2 Read: lock-free on hit, set-locked on miss.
// The returned hit reports whether this Read found the line already
// resident, for PerformanceCounters' I-cache/D-cache-miss events
// (spec.md:230).
func (c *Cache) Read(paddr uint64, size int) ([]byte, bool) {
	setIdx, tag, offset := c.lineAddr(paddr)
	set := &c.sets[setIdx]

	if w, ok := set.findHit(tag); ok {
		l := &set.lines[w]
		l.lastUse.Store(c.clock.Add(1))
		out := make([]byte, size)
		copy(out, l.data[offset:offset+size])
		return out, true
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	// Re-check under lock: another goroutine may have filled it.
	if w, ok := set.findHit(tag); ok {
		l := &set.lines[w]
		l.lastUse.Store(c.clock.Add(1))
		out := make([]byte, size)
		copy(out, l.data[offset:offset+size])
		return out, true
	}

	way := set.findLRU()
	l := &set.lines[way]
	c.evictLocked(setIdx, way)

	lineBase := paddr - uint64(offset)
	var fresh []byte
	if c.next != nil {
		fresh = c.next.FetchLine(lineBase, c.lineSize)
	} else {
		fresh = c.backing.FetchLine(lineBase, c.lineSize)
	}
	copy(l.data, fresh)
	l.tag.Store(tag)
	l.valid.Store(true)
	l.dirty.Store(false)
	l.state = Shared
	l.lastUse.Store(c.clock.Add(1))

	out := make([]byte, size)
	copy(out, l.data[offset:offset+size])
	return out, false
}

// Write implements spec.md §4.2 Write, including the MESI transitions on a
// hit and read-for-ownership allocation on a miss. The returned hit
// reports whether the line was already resident, for the same miss-event
// accounting as Read.
func (c *Cache) Write(paddr uint64, data []byte) bool {
	if c.instrOnly {
		panic("cache: Write called on an instruction cache")
	}
	setIdx, tag, offset := c.lineAddr(paddr)
	set := &c.sets[setIdx]

	set.mu.Lock()
	defer set.mu.Unlock()

	if w, ok := set.findHit(tag); ok {
		l := &set.lines[w]
		copy(l.data[offset:offset+len(data)], data)
		l.dirty.Store(true)
		switch l.state {
		case Shared:
			l.state = Modified // bus-upgrade event
		case Exclusive:
			l.state = Modified
		case Modified:
			// stays Modified
		case Invalid:
			l.state = Modified // shouldn't happen on a hit, but keep the invariant
		}
		l.lastUse.Store(c.clock.Add(1))
		return true
	}

	// Miss: allocate via read-for-ownership, then write.
	way := set.findLRU()
	l := &set.lines[way]
	c.evictLocked(setIdx, way)

	lineBase := paddr - uint64(offset)
	var fresh []byte
	if c.next != nil {
		fresh = c.next.FetchLine(lineBase, c.lineSize)
	} else {
		fresh = c.backing.FetchLine(lineBase, c.lineSize)
	}
	copy(l.data, fresh)
	copy(l.data[offset:offset+len(data)], data)
	l.tag.Store(tag)
	l.valid.Store(true)
	l.dirty.Store(true)
	l.state = Modified
	l.lastUse.Store(c.clock.Add(1))
	return false
}

// evictLocked writes back the victim way if dirty, without invalidating
// its tag (the caller immediately overwrites it). Must be called with the
// set's lock held.
func (c *Cache) evictLocked(setIdx, way int) {
	l := &c.sets[setIdx].lines[way]
	if l.valid.Load() && l.dirty.Load() {
		lineBase := l.tag.Load()*uint64(c.numSets)*uint64(c.lineSize) + uint64(setIdx)*uint64(c.lineSize)
		if c.next != nil {
			c.next.StoreLine(lineBase, l.data)
		} else {
			c.backing.StoreLine(lineBase, l.data)
		}
	}
}

// Invalidate drops a line without writing it back, per spec.md §4.2.
func (c *Cache) Invalidate(paddr uint64) {
	setIdx, tag, _ := c.lineAddr(paddr)
	set := &c.sets[setIdx]
	set.mu.Lock()
	defer set.mu.Unlock()
	if w, ok := set.findHit(tag); ok {
		set.lines[w].valid.Store(false)
		set.lines[w].dirty.Store(false)
		set.lines[w].state = Invalid
	}
}

// Flush writes back a dirty line then invalidates it.
func (c *Cache) Flush(paddr uint64) {
	setIdx, tag, _ := c.lineAddr(paddr)
	set := &c.sets[setIdx]
	set.mu.Lock()
	defer set.mu.Unlock()
	if w, ok := set.findHit(tag); ok {
		l := &set.lines[w]
		if l.dirty.Load() {
			lineBase := tag*uint64(c.numSets)*uint64(c.lineSize) + uint64(setIdx)*uint64(c.lineSize)
			if c.next != nil {
				c.next.StoreLine(lineBase, l.data)
			} else {
				c.backing.StoreLine(lineBase, l.data)
			}
		}
		l.valid.Store(false)
		l.dirty.Store(false)
		l.state = Invalid
	}
}

// Snoop applies a bus event from another CPU's cache, per spec.md §4.2 and
// §4.9. MESI transitions:
//   - SnoopRead: Modified -> Shared (implicit writeback assumed upstream);
//     Exclusive -> Shared; Shared stays Shared.
//   - SnoopWriteRFO / SnoopInvalidate: any state -> Invalid.
//   - SnoopFlush: write back if dirty, then Invalid.
func (c *Cache) Snoop(paddr uint64, op SnoopOp) {
	setIdx, tag, _ := c.lineAddr(paddr)
	set := &c.sets[setIdx]
	set.mu.Lock()
	defer set.mu.Unlock()
	w, ok := set.findHit(tag)
	if !ok {
		return
	}
	l := &set.lines[w]
	switch op {
	case SnoopRead:
		if l.state == Modified || l.state == Exclusive {
			l.state = Shared
		}
	case SnoopWriteRFO, SnoopInvalidate:
		l.valid.Store(false)
		l.dirty.Store(false)
		l.state = Invalid
	case SnoopFlush:
		if l.dirty.Load() {
			lineBase := tag*uint64(c.numSets)*uint64(c.lineSize) + uint64(setIdx)*uint64(c.lineSize)
			if c.next != nil {
				c.next.StoreLine(lineBase, l.data)
			} else {
				c.backing.StoreLine(lineBase, l.data)
			}
		}
		l.valid.Store(false)
		l.dirty.Store(false)
		l.state = Invalid
	}
}

// WriteBackAllDirty traverses every set and writes back every dirty line,
// for cache-line-flush PAL operations (spec.md §4.2).
func (c *Cache) WriteBackAllDirty() {
	for setIdx := range c.sets {
		set := &c.sets[setIdx]
		set.mu.Lock()
		for w := range set.lines {
			l := &set.lines[w]
			if l.valid.Load() && l.dirty.Load() {
				lineBase := l.tag.Load()*uint64(c.numSets)*uint64(c.lineSize) + uint64(setIdx)*uint64(c.lineSize)
				if c.next != nil {
					c.next.StoreLine(lineBase, l.data)
				} else {
					c.backing.StoreLine(lineBase, l.data)
				}
				l.dirty.Store(false)
			}
		}
		set.mu.Unlock()
	}
}

// FetchLine implements Backing so one Cache can be another's next level.
// Hit/miss at this level isn't reported upward: only the top-level L1
// access counts as the architectural cache-miss event.
func (c *Cache) FetchLine(paddr uint64, size int) []byte {
	data, _ := c.Read(paddr, size)
	return data
}

// StoreLine implements Backing for writeback into this cache as the next
// level.
func (c *Cache) StoreLine(paddr uint64, data []byte) {
	c.Write(paddr, data)
}
