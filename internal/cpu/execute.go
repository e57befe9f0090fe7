package cpu

import (
	"context"
	"math"

	"github.com/openalpha/alphasim/internal/fault"
	"github.com/openalpha/alphasim/internal/jit"
	"github.com/openalpha/alphasim/internal/memsys"
)

// Memory is the narrow memsys.MemorySystem view ExecutionEngine needs.
type Memory interface {
	ReadVirtual(cpu memsys.CPUID, vaddr uint64, size uint8, pc uint64, asn uint32, kernel, unaligned bool) (uint64, fault.Fault)
	WriteVirtual(cpu memsys.CPUID, vaddr uint64, value uint64, size uint8, pc uint64, asn uint32, kernel, unaligned bool) fault.Fault
	FetchInstruction(cpu memsys.CPUID, vaddr uint64, pc uint64, asn uint32, kernel bool) (uint32, fault.Fault)
	LoadLinked(cpu memsys.CPUID, vaddr uint64, size uint8, pc uint64, asn uint32, kernel bool) (uint64, fault.Fault)
	StoreConditional(cpu memsys.CPUID, vaddr uint64, value uint64, size uint8, pc uint64, asn uint32, kernel bool) (bool, fault.Fault)
	ExecuteMemoryBarrier(kind memsys.BarrierKind, cpu memsys.CPUID)
}

// BarrierBroadcaster is the narrow view of internal/smp.Coordinator that
// MB/WMB need to establish cross-CPU ordering (spec.md §4.9: "Stores are
// visible to other CPUs after the issuing CPU's next MB"). ExecutionEngine
// never imports smp directly; the system package wires this, matching
// Memory's own narrow-interface pattern.
type BarrierBroadcaster interface {
	Barrier(ctx context.Context, cpu memsys.CPUID) error
}

// RetireObserver lets PerformanceCounters (C15) observe every retired
// instruction without ExecutionEngine importing it directly (spec.md §9
// arena-and-IDs design: wired by the system package). kernel reports the
// privilege mode the instruction retired in, for PerformanceCounters'
// mode-filter (spec.md §4.10).
type RetireObserver interface {
	OnRetire(pc uint64, taken bool, kernel bool)
}

// PS bit layout (spec.md §3/§4.8): bits 0-2 current mode, bit 3 IE, bit 4
// exception-mode. Kept minimal — only what IPR side effects and the
// execution engine's privilege checks need.
const (
	psModeMask  = 0x7
	psModeUser  = 0
	psModeKernel = 4

	// PSExceptionBit is bit 4, set by except.Engine.Raise on PAL-vector
	// entry and cleared by REI: the closest approximation this engine has
	// to "currently executing PALcode" for IprHooks.OnPSChange to report.
	PSExceptionBit = 1 << 4
)

// ExecutionEngine is C11: the per-CPU fetch/decode/execute/writeback loop.
type ExecutionEngine struct {
	ID   memsys.CPUID
	Regs RegisterFile
	Iprs *IprBank
	Mem  Memory

	PC      uint64
	Observer RetireObserver

	// Barrier broadcasts MB/WMB to every other registered CPU (spec.md
	// §4.9). Nil (e.g. in single-CPU unit tests) makes MB/WMB purely local,
	// matching ExecuteMemoryBarrier's own single-process fallback.
	Barrier BarrierBroadcaster

	// FPEnabled gates the floating-point execution group, toggled by
	// IprHooks.OnFENChange (spec.md:146 "FEN ... enable/disable floating-
	// point"). Defaults to true so FP instructions work without an explicit
	// FEN write, matching real firmware that leaves FEN set at reset.
	FPEnabled bool

	// JIT is C12's block cache. Nil disables JIT dispatch entirely: Step
	// falls back to decoding one instruction at a time.
	JIT *jit.BlockCache
}

func NewExecutionEngine(id memsys.CPUID, mem Memory, iprs *IprBank) *ExecutionEngine {
	return &ExecutionEngine{ID: id, Mem: mem, Iprs: iprs, FPEnabled: true}
}

// engineFetcher adapts ExecutionEngine.Mem to jit.Fetcher for block
// compilation: a translation fault just stops the scan early.
type engineFetcher struct{ e *ExecutionEngine }

func (f engineFetcher) FetchWord(pc uint64) (uint32, bool) {
	w, fl := f.e.Mem.FetchInstruction(f.e.ID, pc, pc, f.e.asn(), f.e.kernelMode())
	return w, fl.Ok()
}

func (e *ExecutionEngine) kernelMode() bool {
	return e.Iprs.Read(IPRPS)&psModeMask == psModeKernel
}

func (e *ExecutionEngine) asn() uint32 { return uint32(e.Iprs.Read(IPRASN)) }

// Step fetches, decodes and executes exactly one instruction, returning any
// fault raised (spec.md §4.7/§4.8: faults are ordinary return values, not
// exceptions in the host-language sense). When a block for the current PC
// has already been compiled by the JIT, Step dispatches the whole block
// instead (spec.md §4.7's "hot-block detection").
func (e *ExecutionEngine) Step() fault.Fault {
	pc := e.PC

	if e.JIT != nil {
		if block, ok := e.JIT.Lookup(pc); ok {
			return e.runBlock(block)
		}
	}

	kernel := e.kernelMode()
	word, f := e.Mem.FetchInstruction(e.ID, pc, pc, e.asn(), kernel)
	if !f.Ok() {
		return f
	}

	if e.JIT != nil {
		e.JIT.RecordDispatch(pc, engineFetcher{e})
	}

	in := Decode(word)
	nextPC, taken, f := e.execInstruction(in, pc)
	if !f.Ok() {
		return f
	}
	e.PC = nextPC
	if e.Observer != nil {
		e.Observer.OnRetire(pc, taken, kernel)
	}
	return fault.Fault{}
}

// runBlock dispatches a compiled block as a unit: each micro-op's source
// words are re-fetched and executed in turn. A fault raised by any
// sub-instruction is reported with the micro-op's FirstPC, so a fault inside
// a fused sequence names the sequence's first instruction (spec.md §9
// resolved Open Question on fused-op fault PCs). A fused micro-op's
// SourceLen>1 marks it as a recognized idiom for future targeted
// optimization; it is executed instruction-by-instruction here rather than
// via a specialized fast path.
func (e *ExecutionEngine) runBlock(block *jit.Block) fault.Fault {
	for _, op := range block.Ops {
		pc := op.FirstPC
		for i := 0; i < op.SourceLen; i++ {
			kernel := e.kernelMode()
			word, f := e.Mem.FetchInstruction(e.ID, pc, pc, e.asn(), kernel)
			if !f.Ok() {
				f.PC = op.FirstPC
				return f
			}
			in := Decode(word)
			nextPC, taken, f := e.execInstruction(in, pc)
			if !f.Ok() {
				f.PC = op.FirstPC
				return f
			}
			e.PC = nextPC
			if e.Observer != nil {
				e.Observer.OnRetire(pc, taken, kernel)
			}
			pc = nextPC
		}
	}
	return fault.Fault{}
}

// execInstruction runs one decoded instruction, returning the PC to
// continue from and whether a branch was taken (for RetireObserver).
func (e *ExecutionEngine) execInstruction(in Instruction, pc uint64) (nextPC uint64, taken bool, f fault.Fault) {
	nextPC = pc + 4

	switch {
	case in.Opcode == opPAL:
		nextPC = e.execPALCall(in)
		taken = true

	case in.Opcode == opINTA || in.Opcode == opINTL || in.Opcode == opINTS || in.Opcode == opINTM:
		e.execOperate(in)

	case in.Opcode == opFLTV || in.Opcode == opFLTI || in.Opcode == opFLTL:
		f = e.execFloatOperate(in)

	case in.Opcode == opMISC:
		e.execMisc(in)

	case in.Opcode == opJSR:
		target := e.Regs.GetInt(int(in.Rb)) &^ 0x3
		e.Regs.SetInt(int(in.Ra), pc+4)
		nextPC = target
		taken = true

	case isBranchOpcode(in.Opcode):
		taken, nextPC, f = e.execBranch(in, pc)

	case isLoadStoreOpcode(in.Opcode):
		f = e.execMemory(in, pc)

	default:
		f = fault.New(fault.IllegalOpcode, pc)
	}
	return nextPC, taken, f
}

func isBranchOpcode(op uint8) bool {
	switch op {
	case opBR, opBSR, opFBEQ, opFBLT, opFBLE, opFBNE, opFBGE, opFBGT,
		opBLBC, opBEQ, opBLT, opBLE, opBLBS, opBNE, opBGE, opBGT:
		return true
	}
	return false
}

func isLoadStoreOpcode(op uint8) bool {
	switch op {
	case opLDA, opLDAH, opLDBU, opLDQ_U, opLDWU, opSTW, opSTB, opSTQ_U,
		opLDF, opLDG, opLDS, opLDT, opSTF, opSTG, opSTS, opSTT,
		opLDL, opLDQ, opLDL_L, opLDQ_L, opSTL, opSTQ, opSTL_C, opSTQ_C:
		return true
	}
	return false
}

// execOperate handles the integer arithmetic/logical/shift/multiply groups
// (spec.md §4.7 table rows 1-4). The byte-manipulation function codes
// (EXT*/INS*/MSK*/ZAP*) have no case here: like any other function code
// without a case, they write 0 to Rc.
func (e *ExecutionEngine) execOperate(in Instruction) {
	ra := e.Regs.GetInt(int(in.Ra))
	rb := in.operand(&e.Regs)
	var result uint64

	switch in.Opcode {
	case opINTA:
		switch in.IntFunction() {
		case fnADDL:
			result = uint64(int32(uint32(ra) + uint32(rb)))
		case fnSUBL:
			result = uint64(int32(uint32(ra) - uint32(rb)))
		case fnADDQ:
			result = ra + rb
		case fnSUBQ:
			result = ra - rb
		case fnCMPEQ:
			result = boolU64(ra == rb)
		case fnCMPLT:
			result = boolU64(int64(ra) < int64(rb))
		case fnCMPLE:
			result = boolU64(int64(ra) <= int64(rb))
		case fnCMPULT:
			result = boolU64(ra < rb)
		case fnCMPULE:
			result = boolU64(ra <= rb)
		}
	case opINTL:
		switch in.IntFunction() {
		case fnAND:
			result = ra & rb
		case fnBIC:
			result = ra &^ rb
		case fnBIS:
			result = ra | rb
		case fnORNOT:
			result = ra | ^rb
		case fnXOR:
			result = ra ^ rb
		case fnEQV:
			result = ^(ra ^ rb)
		case fnCMOVEQ:
			if ra == 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVNE:
			if ra != 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVLT:
			if int64(ra) < 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVGE:
			if int64(ra) >= 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVLE:
			if int64(ra) <= 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVGT:
			if int64(ra) > 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVLBC:
			if ra&1 == 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		case fnCMOVLBS:
			if ra&1 != 0 {
				result = rb
			} else {
				result = e.Regs.GetInt(int(in.Rc))
			}
		}
	case opINTS:
		amt := rb & 0x3F
		switch in.IntFunction() {
		case fnSLL:
			result = ra << amt
		case fnSRL:
			result = ra >> amt
		case fnSRA:
			result = uint64(int64(ra) >> amt)
		}
	case opINTM:
		switch in.IntFunction() {
		case fnMULL:
			result = uint64(int32(uint32(ra) * uint32(rb)))
		case fnMULQ:
			result = ra * rb
		case fnUMULH:
			hi, _ := bitsMul64(ra, rb)
			result = hi
		}
	}
	e.Regs.SetInt(int(in.Rc), result)
}

func bitsMul64(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xFFFFFFFF
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32
	p := aLo * bLo
	t := aHi*bLo + (p >> 32)
	w := t&mask32 + aLo*bHi
	hi = aHi*bHi + (t >> 32) + (w >> 32)
	return hi, a * b
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// execBranch handles spec.md §4.7's Branch row: PC-relative targets, BSR
// link-register writeback, and the FP-condition branch variants.
func (e *ExecutionEngine) execBranch(in Instruction, pc uint64) (taken bool, nextPC uint64, f fault.Fault) {
	target := uint64(int64(pc+4) + in.Disp21*4)
	fall := pc + 4
	ra := e.Regs.GetInt(int(in.Ra))

	switch in.Opcode {
	case opBR:
		taken = true
	case opBSR:
		e.Regs.SetInt(int(in.Ra), pc+4)
		taken = true
	case opBEQ:
		taken = int64(ra) == 0
	case opBNE:
		taken = int64(ra) != 0
	case opBLT:
		taken = int64(ra) < 0
	case opBLE:
		taken = int64(ra) <= 0
	case opBGT:
		taken = int64(ra) > 0
	case opBGE:
		taken = int64(ra) >= 0
	case opBLBC:
		taken = ra&1 == 0
	case opBLBS:
		taken = ra&1 != 0
	case opFBEQ, opFBNE, opFBLT, opFBLE, opFBGE, opFBGT:
		fv := e.Regs.GetFltDouble(int(in.Ra))
		switch in.Opcode {
		case opFBEQ:
			taken = fv == 0
		case opFBNE:
			taken = fv != 0
		case opFBLT:
			taken = fv < 0
		case opFBLE:
			taken = fv <= 0
		case opFBGE:
			taken = fv >= 0
		case opFBGT:
			taken = fv > 0
		}
	}
	if taken {
		return true, target, fault.Fault{}
	}
	return false, fall, fault.Fault{}
}

// effectiveAddr computes (Rb==31?0:Rb) + sign-extended displacement, the
// EA formula every Memory-format opcode shares (spec.md §4.7).
func (e *ExecutionEngine) effectiveAddr(in Instruction) uint64 {
	b := uint64(0)
	if in.Rb != 31 {
		b = e.Regs.GetInt(int(in.Rb))
	}
	return uint64(int64(b) + in.Disp16)
}

// execMemory handles loads/stores, including the unaligned LDQ_U/STQ_U
// forms and LDx_L/STx_C locked variants (spec.md §4.7 Memory rows, §4.4
// steps 5/6).
func (e *ExecutionEngine) execMemory(in Instruction, pc uint64) fault.Fault {
	ea := e.effectiveAddr(in)
	asn := e.asn()
	kernel := e.kernelMode()

	switch in.Opcode {
	case opLDA:
		e.Regs.SetInt(int(in.Ra), ea)
		return fault.Fault{}
	case opLDAH:
		b := uint64(0)
		if in.Rb != 31 {
			b = e.Regs.GetInt(int(in.Rb))
		}
		e.Regs.SetInt(int(in.Ra), uint64(int64(b)+in.Disp16*65536))
		return fault.Fault{}
	}

	switch in.Opcode {
	case opLDBU:
		v, f := e.Mem.ReadVirtual(e.ID, ea, 1, pc, asn, kernel, false)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), v)
		}
		return f
	case opLDWU:
		v, f := e.Mem.ReadVirtual(e.ID, ea, 2, pc, asn, kernel, false)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), v)
		}
		return f
	case opLDL:
		v, f := e.Mem.ReadVirtual(e.ID, ea, 4, pc, asn, kernel, false)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), uint64(int64(int32(uint32(v)))))
		}
		return f
	case opLDQ:
		if in.Ra == 31 {
			return fault.Fault{} // prefetch hint: LDQ with Rc=R31 per spec.md §4.7
		}
		v, f := e.Mem.ReadVirtual(e.ID, ea, 8, pc, asn, kernel, false)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), v)
		}
		return f
	case opLDQ_U:
		v, f := e.Mem.ReadVirtual(e.ID, ea&^7, 8, pc, asn, kernel, true)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), v)
		}
		return f
	case opLDL_L:
		v, f := e.Mem.LoadLinked(e.ID, ea, 4, pc, asn, kernel)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), uint64(int64(int32(uint32(v)))))
		}
		return f
	case opLDQ_L:
		v, f := e.Mem.LoadLinked(e.ID, ea, 8, pc, asn, kernel)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), v)
		}
		return f
	case opSTB:
		return e.Mem.WriteVirtual(e.ID, ea, e.Regs.GetInt(int(in.Ra)), 1, pc, asn, kernel, false)
	case opSTW:
		return e.Mem.WriteVirtual(e.ID, ea, e.Regs.GetInt(int(in.Ra)), 2, pc, asn, kernel, false)
	case opSTL:
		return e.Mem.WriteVirtual(e.ID, ea, e.Regs.GetInt(int(in.Ra)), 4, pc, asn, kernel, false)
	case opSTQ:
		return e.Mem.WriteVirtual(e.ID, ea, e.Regs.GetInt(int(in.Ra)), 8, pc, asn, kernel, false)
	case opSTQ_U:
		return e.Mem.WriteVirtual(e.ID, ea&^7, e.Regs.GetInt(int(in.Ra)), 8, pc, asn, kernel, true)
	case opSTL_C:
		ok, f := e.Mem.StoreConditional(e.ID, ea, e.Regs.GetInt(int(in.Ra)), 4, pc, asn, kernel)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), boolU64(ok))
		}
		return f
	case opSTQ_C:
		ok, f := e.Mem.StoreConditional(e.ID, ea, e.Regs.GetInt(int(in.Ra)), 8, pc, asn, kernel)
		if f.Ok() {
			e.Regs.SetInt(int(in.Ra), boolU64(ok))
		}
		return f

	case opLDF, opLDG, opLDS:
		v, f := e.Mem.ReadVirtual(e.ID, ea, 4, pc, asn, kernel, false)
		if f.Ok() {
			e.Regs.SetFltBits(int(in.Ra), v) // raw bits, no reinterpretation (spec.md §4.7)
		}
		return f
	case opLDT:
		v, f := e.Mem.ReadVirtual(e.ID, ea, 8, pc, asn, kernel, false)
		if f.Ok() {
			e.Regs.SetFltBits(int(in.Ra), v)
		}
		return f
	case opSTF, opSTG, opSTS:
		return e.Mem.WriteVirtual(e.ID, ea, e.Regs.GetFltBits(int(in.Ra))&0xFFFFFFFF, 4, pc, asn, kernel, false)
	case opSTT:
		return e.Mem.WriteVirtual(e.ID, ea, e.Regs.GetFltBits(int(in.Ra)), 8, pc, asn, kernel, false)
	}
	return fault.New(fault.IllegalOpcode, pc)
}

// execMisc handles MB/WMB/TRAPB/EXCB/FETCH (spec.md §4.7 Memory-barriers
// and Prefetch rows). The Miscellaneous format carries its function code
// unshifted across the full 16-bit field (bits 0:15), unlike Operate/
// Float-Operate's shifted 11-bit Function, so this switches on
// in.MiscFunction rather than in.Function.
func (e *ExecutionEngine) execMisc(in Instruction) {
	switch in.MiscFunction {
	case fnMB:
		e.Mem.ExecuteMemoryBarrier(memsys.MB, e.ID)
		if e.Barrier != nil {
			e.Barrier.Barrier(context.Background(), e.ID)
		}
	case fnWMB:
		e.Mem.ExecuteMemoryBarrier(memsys.WMB, e.ID)
		if e.Barrier != nil {
			e.Barrier.Barrier(context.Background(), e.ID)
		}
	case fnTRAPB, fnEXCB:
		// Trap/exception barriers: in this in-order, non-speculative
		// engine there is nothing in flight to drain.
	case fnFETCH:
		// Cache-warming hint only; no architectural effect.
	}
}

// execPALCall dispatches CALL_PAL: switch to kernel mode and return the PAL
// vector for this function code as the next PC (spec.md §4.7 PAL-call row).
// The 26-bit function code's low byte selects the vector slot.
func (e *ExecutionEngine) execPALCall(in Instruction) uint64 {
	fn := in.Raw & 0x3FFFFFF
	base := e.Iprs.Read(IPRPALBase)
	e.Iprs.Write(IPRPS, (e.Iprs.Read(IPRPS) &^ psModeMask) | psModeKernel)
	return base + uint64(fn&0xFF)*0x40
}

// execFloatOperate handles the FP add/sub/mul/div/compare/convert rows
// (spec.md §4.7). Function is matched as a whole, so only the unqualified
// encodings named in decode.go execute; an encoding with rounding or trap
// qualifier bits set raises IllegalOpcode. Arithmetic uses Go's float64
// round-to-nearest; FPCR's rounding-mode field is not consulted. VAX F/G
// formats have no separate handling: the function code is matched the same
// way whatever the opcode.
func (e *ExecutionEngine) execFloatOperate(in Instruction) fault.Fault {
	if !e.FPEnabled {
		return fault.New(fault.FPDisabled, e.PC)
	}
	a := e.Regs.GetFltDouble(int(in.Ra))
	b := e.Regs.GetFltDouble(int(in.Rb))

	switch in.Function {
	case fnADDS, fnADDT:
		e.Regs.SetFltDouble(int(in.Rc), a+b)
	case fnSUBS, fnSUBT:
		e.Regs.SetFltDouble(int(in.Rc), a-b)
	case fnMULS, fnMULT:
		e.Regs.SetFltDouble(int(in.Rc), a*b)
	case fnDIVS, fnDIVT:
		if b == 0 {
			e.setFPCRSticky(fpDivZero)
			return fault.Fault{}
		}
		e.Regs.SetFltDouble(int(in.Rc), a/b)
	case fnCMPTEQ:
		e.Regs.SetFltDouble(int(in.Rc), cmpResult(a == b))
	case fnCMPTLT:
		e.Regs.SetFltDouble(int(in.Rc), cmpResult(a < b))
	case fnCMPTLE:
		e.Regs.SetFltDouble(int(in.Rc), cmpResult(a <= b))
	case fnCMPTUN:
		e.Regs.SetFltDouble(int(in.Rc), cmpResult(math.IsNaN(a) || math.IsNaN(b)))
	case fnCVTQT:
		e.Regs.SetFltDouble(int(in.Rc), float64(int64(e.Regs.GetFltBits(int(in.Rb)))))
	case fnCVTTQ:
		e.Regs.SetFltBits(int(in.Rc), uint64(int64(b)))
	case fnCVTQS:
		e.Regs.SetFltSingle(int(in.Rc), float32(int64(e.Regs.GetFltBits(int(in.Rb)))))
	case fnCVTST:
		e.Regs.SetFltDouble(int(in.Rc), float64(e.Regs.GetFltSingle(int(in.Rb))))
	default:
		return fault.New(fault.IllegalOpcode, e.PC)
	}
	return fault.Fault{}
}

// cmpResult returns the Alpha FP-compare convention: 2.0 for true, 0.0 for
// false (spec.md §4.7: "Returns 0 or 2.0 per Alpha convention").
func cmpResult(b bool) float64 {
	if b {
		return 2.0
	}
	return 0.0
}

// FPCR sticky-bit positions (spec.md §4.7/§6).
const (
	fpInvalid = 1 << 40
	fpDivZero = 1 << 41
	fpOverflow = 1 << 42
	fpUnderflow = 1 << 43
	fpInexact = 1 << 44
	fpSummary = 1 << 63 // set whenever any sticky bit is set
)

func (e *ExecutionEngine) setFPCRSticky(bit uint64) {
	e.Regs.FPCR |= bit | fpSummary
}
