// Package sys carries the small set of cross-cutting handles the rest of
// the engine takes as explicit parameters instead of module-scope globals
// (spec.md §9: "no process-wide statics").
package sys

import "log"

// Tracer is the host-side observation hook spec.md §7 calls for: "the
// host-side observer sees logged trace events and optional fault-injection
// counters." Components accept a Tracer rather than importing log
// directly, mirroring how the teacher keeps its audio/video engines free
// of print statements and centralises them at the call site.
type Tracer interface {
	Tracef(format string, args ...any)
}

// NopTracer discards everything. It is the default when no tracer is wired.
type NopTracer struct{}

func (NopTracer) Tracef(string, ...any) {}

// LogTracer adapts a standard library *log.Logger to the Tracer interface.
type LogTracer struct {
	L *log.Logger
}

func (t LogTracer) Tracef(format string, args ...any) {
	t.L.Printf(format, args...)
}

// Context bundles the handles components need beyond their own state:
// a Tracer and a Config. Passed explicitly, never stashed in a global.
type Context struct {
	Trace  Tracer
	Config Config
}

// Config holds the tunables spec.md leaves as "implementation choice" or
// "configurable constant" (page size, cache geometry, JIT threshold, ...).
type Config struct {
	PageShift        uint // log2(page size); spec.md §4.3 default 13 (8 KiB)
	CacheLineSize    int  // spec.md §4.2 default 64
	L1Ways           int  // set-associativity of L1 caches
	L1Sets           int
	L2Ways           int
	L2Sets           int
	L3Ways           int
	L3Sets           int
	TLBEntries       int // per-pool TLB capacity
	VictimEntries    int // spec.md §4.3 recommends 4-8
	JITHotThreshold  int // spec.md §4.7 default 100
	JITMaxBlockInstr int // spec.md §4.7 default 20
	StackDepth       int // spec.md §4.6 default 1024
	MemorySize       int // physical RAM size in bytes
}

// Default returns the configuration spec.md calls out as defaults.
func Default() Config {
	return Config{
		PageShift:        13,
		CacheLineSize:    64,
		L1Ways:           4,
		L1Sets:           64,
		L2Ways:           8,
		L2Sets:           256,
		L3Ways:           16,
		L3Sets:           1024,
		TLBEntries:       128,
		VictimEntries:    8,
		JITHotThreshold:  100,
		JITMaxBlockInstr: 20,
		StackDepth:       1024,
		MemorySize:       256 * 1024 * 1024,
	}
}

func NewContext(cfg Config, tr Tracer) Context {
	if tr == nil {
		tr = NopTracer{}
	}
	return Context{Trace: tr, Config: cfg}
}
