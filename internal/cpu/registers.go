// Package cpu implements RegisterFile and IprBank (C8, C9) and the
// ExecutionEngine (C11), per spec.md §4.5 and §4.7.
//
// Grounded on the teacher's CPU64 register arrays (cpu_ie64.go: [32]uint64
// general-purpose registers plus a parallel FP bank, R31 hardwired to
// zero in every accessor) and RegisterFileWrapper's read-write-lock style
// (registers.go).
package cpu

import "math"

const numRegs = 32

// RegisterFile holds the 32 integer and 32 floating-point registers plus
// FPCR, per spec.md §4.5. R31 and F31 are hardwired: reads return zero,
// writes are discarded.
type RegisterFile struct {
	Int  [numRegs]uint64
	Flt  [numRegs]uint64 // raw bit pattern; views are computed, never stored separately
	FPCR uint64
}

// GetInt reads integer register r, clamping R31 to zero.
func (rf *RegisterFile) GetInt(r int) uint64 {
	if r == 31 {
		return 0
	}
	return rf.Int[r]
}

// SetInt writes integer register r; writes to R31 are discarded.
func (rf *RegisterFile) SetInt(r int, v uint64) {
	if r == 31 {
		return
	}
	rf.Int[r] = v
}

// GetFltBits reads F-register r's raw 64-bit pattern, clamping F31 to the
// IEEE +0.0 bit pattern (spec.md §3: "F31 = +0.0").
func (rf *RegisterFile) GetFltBits(r int) uint64 {
	if r == 31 {
		return 0
	}
	return rf.Flt[r]
}

// SetFltBits writes F-register r's raw bit pattern; writes to F31 are
// discarded.
func (rf *RegisterFile) SetFltBits(r int, bits uint64) {
	if r == 31 {
		return
	}
	rf.Flt[r] = bits
}

// GetFltDouble returns F-register r reinterpreted as an IEEE double.
func (rf *RegisterFile) GetFltDouble(r int) float64 {
	return math.Float64frombits(rf.GetFltBits(r))
}

// SetFltDouble stores v's IEEE double bit pattern into F-register r.
func (rf *RegisterFile) SetFltDouble(r int, v float64) {
	rf.SetFltBits(r, math.Float64bits(v))
}

// GetFltSingle returns F-register r's low 32 bits reinterpreted as an IEEE
// single (spec.md §4.5: "IEEE single (low 32 bits)").
func (rf *RegisterFile) GetFltSingle(r int) float32 {
	return math.Float32frombits(uint32(rf.GetFltBits(r)))
}

// SetFltSingle stores v's IEEE single bit pattern into F-register r's low
// 32 bits, zero-extended.
func (rf *RegisterFile) SetFltSingle(r int, v float32) {
	rf.SetFltBits(r, uint64(math.Float32bits(v)))
}
