package jit

// Minimal field extraction duplicated from package cpu's Decode, limited
// to what block-boundary and fusion-pattern recognition needs (opcode,
// register fields, function code). See jit.go's package doc for why this
// package does not import cpu directly.
func opcodeOf(raw uint32) uint8   { return uint8(raw >> 26) }
func raOf(raw uint32) uint8       { return uint8((raw >> 21) & 0x1F) }
func rbOf(raw uint32) uint8       { return uint8((raw >> 16) & 0x1F) }
func rcOf(raw uint32) uint8       { return uint8(raw & 0x1F) }
func functionOf(raw uint32) uint16 { return uint16((raw >> 5) & 0x7FF) }

// miscFunctionOf extracts the Miscellaneous format's (opMISC) function
// code, which unlike Operate/Float-Operate's functionOf is unshifted
// across the full 16-bit field (bits 0:15).
func miscFunctionOf(raw uint32) uint16 { return uint16(raw & 0xFFFF) }

const (
	opLDQ_U = 0x0B
	opSTQ_U = 0x0F
	opLDQ   = 0x29
	opINTS  = 0x12 // shift group; EXTQL/EXTQH/INS*/MSK* live here too
	opMISC  = 0x18

	fnEXTQL = 0x36
	fnEXTQH = 0x7A
	fnINSQL = 0x3B
	fnMSKQL = 0x32

	fnMB  = 0x4000
	fnWMB = 0x4400
)

func isBlockBoundary(raw uint32) bool {
	op := opcodeOf(raw)
	if op == opMISC {
		fn := miscFunctionOf(raw)
		return fn == fnMB || fn == fnWMB
	}
	switch op {
	case 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37,
		0x38, 0x39, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E, 0x3F, // all branch opcodes
		0x1A, // JSR/JMP/RET
		0x00: // CALL_PAL
		return true
	}
	return false
}

// compile implements spec.md §4.7's block builder: scan forward up to
// maxInstrs instructions or a branch/barrier boundary, recognizing the
// canonical fused idioms along the way.
func compile(startPC uint64, maxInstrs int, fetch Fetcher) *Block {
	block := &Block{StartPC: startPC}
	pc := startPC
	words := make([]uint32, 0, maxInstrs)

	for len(words) < maxInstrs {
		w, ok := fetch.FetchWord(pc)
		if !ok {
			break
		}
		words = append(words, w)
		pc += 4
		if isBlockBoundary(w) {
			break
		}
	}

	i := 0
	opPC := startPC
	for i < len(words) {
		if fused, consumed := detectFusion(words[i:]); fused != FusedNone {
			block.Ops = append(block.Ops, MicroOp{FirstPC: opPC, Raw: words[i], Fused: fused, SourceLen: consumed})
			i += consumed
			opPC += uint64(consumed) * 4
			continue
		}
		block.Ops = append(block.Ops, MicroOp{FirstPC: opPC, Raw: words[i], Fused: FusedNone, SourceLen: 1})
		i++
		opPC += 4
	}
	block.EndPC = opPC
	return block
}

// detectFusion recognizes the idioms spec.md §4.7 names, given the
// remaining words starting at the current scan position. Returns
// FusedNone, 0 if nothing matches.
func detectFusion(words []uint32) (FusedKind, int) {
	if len(words) >= 4 && opcodeOf(words[0]) == opLDQ_U && opcodeOf(words[1]) == opLDQ_U &&
		opcodeOf(words[2]) == opINTS && functionOf(words[2]) == fnEXTQL &&
		opcodeOf(words[3]) == opINTS && functionOf(words[3]) == fnEXTQH {
		return FusedUnalignedLoadQuad, 4
	}
	if len(words) >= 4 && opcodeOf(words[0]) == opLDQ_U &&
		opcodeOf(words[1]) == opINTS && functionOf(words[1]) == fnINSQL &&
		opcodeOf(words[2]) == opINTS && functionOf(words[2]) == fnMSKQL &&
		opcodeOf(words[3]) == opSTQ_U {
		return FusedUnalignedStoreQuad, 4
	}
	if len(words) >= 1 && opcodeOf(words[0]) == opLDQ && raOf(words[0]) == 31 {
		return FusedPrefetch, 1
	}
	return FusedNone, 0
}
