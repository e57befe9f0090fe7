// Package perf implements PerformanceCounters (C15): eight configurable
// event counters with mode filtering and overflow actions, per spec.md
// §4.10.
//
// Grounded on the teacher's CPU64 cycle/instruction counters (plain
// atomically-incremented uint64 fields read by the debugger/UI layer);
// here each counter gains an event-type selector, a mode filter, and an
// overflow action, generalising the teacher's fixed pair into the eight
// configurable slots spec.md calls for.
package perf

import "sync/atomic"

// EventType selects what a counter counts (spec.md §4.10).
type EventType int

const (
	EventCycles EventType = iota
	EventInstructionsRetired
	EventMemoryReferences
	EventICacheMisses
	EventDCacheMisses
	EventTLBMisses
	EventBranchMispredicts
)

// Mode is a privilege level a counter's ModeFilter can include (spec.md
// §4.10 "count in user/supervisor/kernel/PAL"). This engine's PS only
// distinguishes user/kernel (see internal/cpu's psModeMask). ModeSupervisor
// is carried for configuration fidelity with the source architecture and is
// never selected; ModePAL is selected while the engine is executing inside
// PALcode (tracked via SetInPAL), never inferred from PS bits that don't
// exist here.
type Mode int

const (
	ModeUser Mode = 1 << iota
	ModeSupervisor
	ModeKernel
	ModePAL
	ModeAll = ModeUser | ModeSupervisor | ModeKernel | ModePAL
)

// OverflowAction selects what happens when a counter crosses its threshold
// (spec.md §4.10).
type OverflowAction int

const (
	OverflowNone OverflowAction = iota
	OverflowInterrupt
	OverflowStop
	OverflowWrap
)

const NumCounters = 8

// Counter is one of the eight configurable slots.
type Counter struct {
	Enabled   bool
	Event     EventType
	ModeMask  Mode
	Threshold uint64
	Action    OverflowAction

	value atomic.Uint64
}

// Value reads the counter's current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Interrupter raises an interrupt fault when an OverflowInterrupt counter
// crosses its threshold (spec.md §4.10 "overflow-action ... interrupt").
// Counters.Interrupter is nil unless a caller sets it, and while it is nil
// OverflowInterrupt has no effect; the system package does not set it.
// Counters never imports package except directly.
type Interrupter interface {
	RaiseCounterOverflow(counterIndex int)
}

// Counters is C15: eight independently configured event counters.
type Counters struct {
	Slots       [NumCounters]Counter
	Interrupter Interrupter
	inPAL       bool
}

func New() *Counters { return &Counters{} }

// SetInPAL marks whether the owning CPU is currently executing PALcode, so
// ModePAL filtering can apply (spec.md §4.10's mode-filter "PAL").
func (c *Counters) SetInPAL(v bool) { c.inPAL = v }

func modeOf(c *Counters, kernel bool) Mode {
	if c.inPAL {
		return ModePAL
	}
	if kernel {
		return ModeKernel
	}
	return ModeUser
}

// count increments every enabled counter whose event type matches ev and
// whose mode filter includes the current mode, firing overflow actions as
// configured.
func (c *Counters) count(ev EventType, kernel bool) {
	mode := modeOf(c, kernel)
	for i := range c.Slots {
		s := &c.Slots[i]
		if !s.Enabled || s.Event != ev || s.ModeMask&mode == 0 {
			continue
		}
		v := s.value.Add(1)
		if s.Threshold != 0 && v == s.Threshold {
			c.overflow(i, s)
		}
	}
}

func (c *Counters) overflow(i int, s *Counter) {
	switch s.Action {
	case OverflowNone:
	case OverflowInterrupt:
		if c.Interrupter != nil {
			c.Interrupter.RaiseCounterOverflow(i)
		}
	case OverflowStop:
		s.Enabled = false
	case OverflowWrap:
		s.value.Store(0)
	}
}

// OnRetire satisfies cpu.RetireObserver: every retired instruction counts as
// one cycle and one instruction-retired event (spec.md §4.10: "On every
// retired instruction, the engine reads all enabled counters").
func (c *Counters) OnRetire(pc uint64, taken bool, kernel bool) {
	c.count(EventCycles, kernel)
	c.count(EventInstructionsRetired, kernel)
	// taken is carried for future use but unused here: this engine is
	// non-speculative and in-order, so it has no branch predictor and thus
	// no real misprediction signal. OnBranchMispredict below exists only
	// for configuration-surface fidelity with the event-type list and is
	// never invoked by this engine.
}

// OnMemoryReference counts one memory-reference event (every load/store,
// spec.md §4.10 event list). Wired from memsys by the system package.
func (c *Counters) OnMemoryReference(kernel bool) { c.count(EventMemoryReferences, kernel) }

// OnICacheMiss counts one I-cache miss.
func (c *Counters) OnICacheMiss(kernel bool) { c.count(EventICacheMisses, kernel) }

// OnDCacheMiss counts one D-cache miss.
func (c *Counters) OnDCacheMiss(kernel bool) { c.count(EventDCacheMisses, kernel) }

// OnTLBMiss counts one TLB miss.
func (c *Counters) OnTLBMiss(kernel bool) { c.count(EventTLBMisses, kernel) }

// OnBranchMispredict counts one branch misprediction.
func (c *Counters) OnBranchMispredict(kernel bool) { c.count(EventBranchMispredicts, kernel) }
