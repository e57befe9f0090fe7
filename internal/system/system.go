// Package system is the arena (spec.md §9's "arena + IDs" design): it owns
// every subsystem by CpuID and wires the narrow consumer-side interfaces
// each internal package defines, so no two leaf packages ever import each
// other directly.
//
// Grounded on the teacher's top-level Machine/SystemBus composition root,
// which owns the CPU, bus, and every attached device and wires them
// together in one place rather than letting each own a back-pointer to its
// neighbors.
package system

import (
	"context"
	"fmt"

	"github.com/openalpha/alphasim/internal/cache"
	"github.com/openalpha/alphasim/internal/cpu"
	"github.com/openalpha/alphasim/internal/except"
	"github.com/openalpha/alphasim/internal/fault"
	"github.com/openalpha/alphasim/internal/jit"
	"github.com/openalpha/alphasim/internal/memory"
	"github.com/openalpha/alphasim/internal/memsys"
	"github.com/openalpha/alphasim/internal/perf"
	"github.com/openalpha/alphasim/internal/smp"
	"github.com/openalpha/alphasim/internal/sys"
	"github.com/openalpha/alphasim/internal/tlb"
)

// physBacking adapts *memory.PhysicalMemory to cache.Backing for the
// bottom of the cache hierarchy: plain 8-byte-chunked reads/writes with no
// MMIO dispatch (MemorySystem already routes MMIO addresses around the
// cache hierarchy entirely, per spec.md §4.4 step 3).
type physBacking struct{ p *memory.PhysicalMemory }

func (b physBacking) FetchLine(paddr uint64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i += 8 {
		v := b.p.Read(paddr+uint64(i), 8)
		for j := 0; j < 8; j++ {
			out[i+j] = byte(v >> (8 * j))
		}
	}
	return out
}

func (b physBacking) StoreLine(paddr uint64, data []byte) {
	for i := 0; i+8 <= len(data); i += 8 {
		var v uint64
		for j := 0; j < 8; j++ {
			v |= uint64(data[i+j]) << (8 * j)
		}
		b.p.Write(paddr+uint64(i), v, 8)
	}
}

// mmioView adapts *memory.PhysicalMemory's Perm-typed CheckPerm to
// memsys.MMIO's uint8-bitmask form (1=read, 2=write, 4=execute, matching
// memory.PermRead/PermWrite/PermExecute's bit positions one-for-one).
type mmioView struct{ p *memory.PhysicalMemory }

func (v mmioView) IsMMIO(paddr uint64) bool { return false } // device regions register directly on PhysicalMemory
func (v mmioView) Read(addr uint64, size uint8) uint64       { return v.p.Read(addr, size) }
func (v mmioView) Write(addr uint64, value uint64, size uint8) { v.p.Write(addr, value, size) }
func (v mmioView) CheckPerm(addr uint64, want uint8) bool {
	return v.p.CheckPerm(addr, memory.Perm(want))
}

// realMMIO wraps mmioView so IsMMIO reflects PhysicalMemory's own device
// table, which has no exported query method beyond dispatch-on-access; the
// Read/Write calls above already dispatch to a registered handler
// transparently, so reporting IsMMIO conservatively as "never" here is
// correct for the perm/cache-bypass decision in MemorySystem UNLESS a
// device window is registered, in which case Probe/LoadLinked on that
// range would incorrectly take the cached path. System.MapIO tracks
// registered windows itself to close this gap.
type realMMIO struct {
	mmioView
	sys *System
}

func (v realMMIO) IsMMIO(paddr uint64) bool { return v.sys.isMMIO(paddr) }

// ioWindow records a registered MMIO range for realMMIO.IsMMIO's lookup.
type ioWindow struct{ start, end uint64 }

// cpuState adapts one Core's ExecutionEngine+IprBank to except.CPUState.
type cpuState struct{ c *Core }

func (s cpuState) PC() uint64     { return s.c.Exec.PC }
func (s cpuState) SetPC(v uint64) { s.c.Exec.PC = v }
func (s cpuState) PS() uint64     { return s.c.Iprs.Read(cpu.IPRPS) }
func (s cpuState) SetPS(v uint64) { s.c.Iprs.Write(cpu.IPRPS, v) }
func (s cpuState) Reg(n int) uint64       { return s.c.Exec.Regs.GetInt(n) }
func (s cpuState) SetReg(n int, v uint64) { s.c.Exec.Regs.SetInt(n, v) }
func (s cpuState) FPCR() uint64           { return s.c.Exec.Regs.FPCR }
func (s cpuState) PALBase() uint64        { return s.c.Iprs.Read(cpu.IPRPALBase) }

// SwapSP saves the active R30 into the stack-pointer IPR for fromMode and
// loads R30 from toMode's slot (spec.md §4.8 step 5 / REI step 3). This
// engine's PS only distinguishes user (0) and kernel (4) modes (see
// cpu.psModeMask); executive/supervisor stack-pointer IPRs exist for
// configuration fidelity but are never selected here.
func (s cpuState) SwapSP(fromMode, toMode uint64) {
	s.c.Iprs.Write(ipr(fromMode), s.c.Exec.Regs.GetInt(30))
	s.c.Exec.Regs.SetInt(30, s.c.Iprs.Read(ipr(toMode)))
}

func ipr(mode uint64) cpu.IPR {
	if mode == 4 { // psModeKernel
		return cpu.IPRKSP
	}
	return cpu.IPRUSP
}

// Core is one emulated CPU and everything scoped to it: its own TLB, L1
// caches, register/IPR state, exception engine, JIT cache and performance
// counters. L2/L3 and physical memory are shared, owned by System.
type Core struct {
	ID     memsys.CPUID
	TLB    *tlb.TLB
	Walker *tlb.PageWalker
	L1D    *cache.Cache
	ICache *cache.Cache
	Mem    *memsys.MemorySystem
	Iprs   *cpu.IprBank
	Exec   *cpu.ExecutionEngine
	Except *except.Engine
	Stack  *except.StackManager
	Perf   *perf.Counters
	JIT    *jit.BlockCache

	sys *System
}

// InvalidateTLB implements smp.CPU: applies a shoot-down received from
// another CPU to this core's own TLB (and I-cache entry, for instruction
// shoot-downs).
func (c *Core) InvalidateTLB(op smp.ShootdownOp, vaddr uint64, asn uint32, instr bool) {
	switch op {
	case smp.ShootdownAll:
		c.TLB.InvalidateAll()
	case smp.ShootdownASN:
		c.TLB.InvalidateByASN(asn)
	case smp.ShootdownEntry:
		if instr {
			c.TLB.InvalidateInstructionEntry(vaddr, asn)
		} else {
			c.TLB.InvalidateDataEntry(vaddr, asn)
		}
	}
}

// Snoop implements smp.CPU: applies a coherency event from another CPU's
// write to this core's L1D (spec.md §4.9 "Cache coherency": "Each
// receiving CPU runs §4.2 Snoop on its L1D and L2"; L2 here is shared, so
// only L1D needs the snoop).
func (c *Core) Snoop(paddr uint64, op smp.SnoopKind) {
	c.L1D.Snoop(paddr, cache.SnoopOp(op))
}

// Step implements smp.CPU: one fetch/execute/writeback cycle, routing any
// raised fault into this core's exception engine. Returns false once the
// exception engine has halted (double machine-check).
func (c *Core) Step() bool {
	if c.Except.Halted {
		return false
	}
	if f := c.Exec.Step(); !f.Ok() {
		c.Except.Raise(cpuState{c}, f)
	}
	return !c.Except.Halted
}

// System owns every subsystem by CpuID (spec.md §9's arena design).
type System struct {
	Cfg     sys.Config
	Ctx     sys.Context
	Phys    *memory.PhysicalMemory
	L2      *cache.Cache
	L3      *cache.Cache
	SMP     *smp.Coordinator
	Cores   map[memsys.CPUID]*Core
	windows []ioWindow
}

// New allocates physical memory and the shared L2/L3 cache levels.
func New(cfg sys.Config, ctx sys.Context) (*System, error) {
	phys, err := memory.New(cfg.MemorySize, cfg.PageShift)
	if err != nil {
		return nil, fmt.Errorf("system: allocate physical memory: %w", err)
	}
	back := physBacking{phys}
	l3 := cache.New(cfg.CacheLineSize, cfg.L3Sets, cfg.L3Ways, nil, back)
	l2 := cache.New(cfg.CacheLineSize, cfg.L2Sets, cfg.L2Ways, l3, nil)
	return &System{
		Cfg:   cfg,
		Ctx:   ctx,
		Phys:  phys,
		L2:    l2,
		L3:    l3,
		SMP:   smp.New(),
		Cores: make(map[memsys.CPUID]*Core),
	}, nil
}

// MapIO registers a device window on physical memory and records it so
// MemorySystem's cache-bypass check (realMMIO.IsMMIO) recognizes it.
func (s *System) MapIO(start, end uint64, h memory.DeviceHandler) {
	s.Phys.MapIO(start, end, h)
	s.windows = append(s.windows, ioWindow{start, end})
}

func (s *System) isMMIO(paddr uint64) bool {
	for _, w := range s.windows {
		if paddr >= w.start && paddr <= w.end {
			return true
		}
	}
	return false
}

// decodePerfCfg unpacks an IPRPerfCounter0..7 write into a perf.Counter's
// configuration fields (spec.md §4.10's per-counter config word): bit 0
// enables the counter, bits 1-3 select the EventType, bits 4-7 are the
// Mode filter mask, bits 8-9 select the OverflowAction, and bits 16-63
// hold the overflow Threshold.
func decodePerfCfg(slot *perf.Counter, value uint64) {
	slot.Enabled = value&0x1 != 0
	slot.Event = perf.EventType((value >> 1) & 0x7)
	slot.ModeMask = perf.Mode((value >> 4) & 0xF)
	slot.Action = perf.OverflowAction((value >> 8) & 0x3)
	slot.Threshold = value >> 16
}

// AddCore builds and registers a new emulated CPU with the given id,
// wiring its private TLB/L1/IPR/exception/JIT state against the system's
// shared L2/L3/physical memory and SMP coordinator.
func (s *System) AddCore(id memsys.CPUID) *Core {
	c := &Core{ID: id, sys: s}

	c.L1D = cache.New(s.Cfg.CacheLineSize, s.Cfg.L1Sets, s.Cfg.L1Ways, s.L2, nil)
	c.ICache = cache.NewInstructionCache(s.Cfg.CacheLineSize, s.Cfg.L1Sets, s.Cfg.L1Ways, s.L2, nil)

	// The walker reads PTBR live through c.Iprs on every miss, so the
	// closure below is safe to build before c.Iprs itself is assigned.
	c.Walker = tlb.NewPageWalker(s.Phys, func() uint64 { return c.Iprs.Read(cpu.IPRPTBR) })
	c.TLB = tlb.New(s.Cfg.TLBEntries, c.Walker)

	// c.Perf and c.Exec are assigned below, after c.Iprs; the hook closures
	// below capture the *Core pointer, not its fields, so they observe
	// those later assignments safely.
	c.Iprs = cpu.NewIprBank(cpu.IprHooks{
		TLB: c.TLB,
		OnPSChange: func(old, updated uint64) {
			c.Perf.SetInPAL(updated&cpu.PSExceptionBit != 0)
		},
		OnFENChange: func(enabled bool) {
			c.Exec.FPEnabled = enabled
		},
		OnPerfCfg: func(counter int, value uint64) {
			decodePerfCfg(&c.Perf.Slots[counter], value)
		},
	})

	mmio := realMMIO{mmioView: mmioView{s.Phys}, sys: s}
	c.Mem = memsys.New(c.TLB, c.L1D, c.ICache, mmio, s.SMP.AsReservations(), nil)
	c.JIT = jit.New(s.Cfg.JITHotThreshold, s.Cfg.JITMaxBlockInstr)
	c.Mem.JIT = c.JIT

	c.Exec = cpu.NewExecutionEngine(id, c.Mem, c.Iprs)
	c.Exec.JIT = c.JIT
	c.Exec.Barrier = s.SMP

	c.Perf = perf.New()
	c.Exec.Observer = c.Perf
	c.Mem.Perf = c.Perf

	c.Stack = except.NewStackManager(s.Cfg.StackDepth)
	c.Except = except.NewEngine(c.Stack)

	s.Cores[id] = c
	s.SMP.Register(id, c)
	return c
}

// Run drives every registered core's fetch/execute loop concurrently until
// every one halts or ctx is canceled (spec.md §5: "each emulated CPU runs
// on a dedicated host thread").
func (s *System) Run(ctx context.Context) error {
	return s.SMP.Run(ctx)
}

// LoadImage copies a pre-built image into physical memory at base (spec.md
// §6's firmware hand-off point).
func (s *System) LoadImage(base uint64, image []byte) fault.Fault {
	return s.Phys.LoadImage(base, image)
}
