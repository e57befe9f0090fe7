package except

import (
	"testing"

	"github.com/openalpha/alphasim/internal/fault"
)

type fakeCPU struct {
	pc, ps, fpcr, palBase uint64
	regs                  [32]uint64
	spSwaps               [][2]uint64
}

func (c *fakeCPU) PC() uint64       { return c.pc }
func (c *fakeCPU) SetPC(v uint64)   { c.pc = v }
func (c *fakeCPU) PS() uint64       { return c.ps }
func (c *fakeCPU) SetPS(v uint64)   { c.ps = v }
func (c *fakeCPU) Reg(n int) uint64 { return c.regs[n] }
func (c *fakeCPU) SetReg(n int, v uint64) { c.regs[n] = v }
func (c *fakeCPU) FPCR() uint64     { return c.fpcr }
func (c *fakeCPU) PALBase() uint64  { return c.palBase }
func (c *fakeCPU) SwapSP(fromMode, toMode uint64) {
	c.spSwaps = append(c.spSwaps, [2]uint64{fromMode, toMode})
}

func TestRaiseBuildsFrameAndDispatchesPALVector(t *testing.T) {
	stack := NewStackManager(4)
	e := NewEngine(stack)
	cpu := &fakeCPU{ps: 0, palBase: 0x20000}
	cpu.regs[16] = 0xAA

	f := fault.New(fault.AccessViolation, 0x1000).WithAddr(0x3000, 8, true)
	e.Raise(cpu, f)

	if cpu.pc != 0x20000+0x680 {
		t.Fatalf("got pc=0x%x, want access-violation vector", cpu.pc)
	}
	if cpu.ps&psModeMask != psModeKernel {
		t.Fatalf("Raise did not switch to kernel mode")
	}
	if stack.Depth() != 1 {
		t.Fatalf("got depth %d, want 1", stack.Depth())
	}
	frames := stack.Snapshot()
	if frames[0].PC != 0x1000 || frames[0].R16 != 0xAA {
		t.Fatalf("frame captured wrong state: %+v", frames[0])
	}
}

func TestREIRestoresPCAndPS(t *testing.T) {
	stack := NewStackManager(4)
	e := NewEngine(stack)
	cpu := &fakeCPU{palBase: 0x20000}

	e.Raise(cpu, fault.New(fault.IllegalOpcode, 0x500))
	e.REI(cpu)

	if cpu.pc != 0x500 {
		t.Fatalf("got pc=0x%x, want 0x500 restored", cpu.pc)
	}
	if stack.Depth() != 0 {
		t.Fatalf("got depth %d, want 0 after REI", stack.Depth())
	}
}

func TestREIOnEmptyStackIsDoubleFault(t *testing.T) {
	stack := NewStackManager(4)
	e := NewEngine(stack)
	cpu := &fakeCPU{palBase: 0x20000}

	e.REI(cpu) // stack empty: programming fault -> double fault
	if cpu.pc != 0x20000+0x200 {
		t.Fatalf("got pc=0x%x, want machine-check vector", cpu.pc)
	}
}

func TestStackOverflowCausesDoubleFault(t *testing.T) {
	stack := NewStackManager(1)
	e := NewEngine(stack)
	cpu := &fakeCPU{palBase: 0x20000}

	e.Raise(cpu, fault.New(fault.IllegalOpcode, 0x10)) // fills capacity 1
	e.Raise(cpu, fault.New(fault.IllegalOpcode, 0x20)) // push fails -> double fault
	if cpu.pc != 0x20000+0x200 {
		t.Fatalf("got pc=0x%x, want machine-check vector after double fault", cpu.pc)
	}
}

func TestSecondDoubleFaultHalts(t *testing.T) {
	stack := NewStackManager(1) // capacity 1: first Raise fills it, every later push fails
	e := NewEngine(stack)
	cpu := &fakeCPU{palBase: 0x20000}

	e.Raise(cpu, fault.New(fault.IllegalOpcode, 0x10)) // fills the stack
	e.Raise(cpu, fault.New(fault.IllegalOpcode, 0x20)) // push fails -> first double fault
	e.Raise(cpu, fault.New(fault.IllegalOpcode, 0x30)) // push fails again -> halt
	if !e.Halted {
		t.Fatalf("expected engine halted after second double fault")
	}
}

func TestStackManagerPushCapacity(t *testing.T) {
	s := NewStackManager(2)
	if _, ok := s.Push(Frame{PC: 1}); !ok {
		t.Fatalf("first push should succeed")
	}
	if _, ok := s.Push(Frame{PC: 2}); !ok {
		t.Fatalf("second push should succeed")
	}
	if _, ok := s.Push(Frame{PC: 3}); ok {
		t.Fatalf("third push should fail: at capacity")
	}
}

func TestSnapshotDeepCopiesContext(t *testing.T) {
	s := NewStackManager(2)
	depth, _ := s.Push(Frame{PC: 1})
	s.AttachContext(depth, SavedContext{ASN: 9})
	snap := s.Snapshot()
	snap[0].Context.ASN = 100
	live := s.Snapshot()
	if live[0].Context.ASN != 9 {
		t.Fatalf("mutating a snapshot leaked into live state: %d", live[0].Context.ASN)
	}
}
