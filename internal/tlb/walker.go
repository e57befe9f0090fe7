package tlb

import "github.com/openalpha/alphasim/internal/fault"

// PTE bit layout, per spec.md §6: PFN in bits 32+, eight mode read/write
// enable bits, fault-on-read/write/execute bits, ASM (global), valid.
const (
	pteValid      = 1 << 0
	pteASM        = 1 << 1
	pteFOR        = 1 << 2 // fault-on-read
	pteFOW        = 1 << 3 // fault-on-write
	pteFOE        = 1 << 4 // fault-on-execute
	pteKRE        = 1 << 5 // kernel read-enable
	pteKWE        = 1 << 6
	pteERE        = 1 << 7 // executive read-enable
	pteEWE        = 1 << 8
	pteSRE        = 1 << 9 // supervisor read-enable
	pteSWE        = 1 << 10
	pteURE        = 1 << 11 // user read-enable
	pteUWE        = 1 << 12
	ptePFNShift   = 32
	entriesPerLvl = 1 << 10 // 1024 PTEs per 8 KiB page table page, 8 bytes each
)

// PhysMem is the narrow physical-read interface the walker needs: a
// bypass read with no MMIO dispatch or permission checking (spec.md §4.3:
// "The walker reads PTEs from physical memory via MemorySystem's own
// physical-read bypass").
type PhysMem interface {
	ReadBypass(addr uint64, size uint8) uint64
}

// PageWalker implements C6: a three-level walk of the Alpha PALcode-defined
// page table rooted at PTBR.
type PageWalker struct {
	Mem  PhysMem
	PTBR func() uint64 // current page-table base register, read live from IPR bank
}

// NewPageWalker builds a walker over mem, reading the page-table base from
// ptbr on every walk (the IPR bank may install a new PTBR at any time).
func NewPageWalker(mem PhysMem, ptbr func() uint64) *PageWalker {
	return &PageWalker{Mem: mem, PTBR: ptbr}
}

func pteIndex(vpn uint64, level int) uint64 {
	// Alpha walks VPN 10 bits at a time, level 0 (L1) taking the most
	// significant chunk of the 30-bit VPN (a 43-bit virtual address less the
	// 13-bit page offset).
	shift := uint(10 * (2 - level))
	return (vpn >> shift) & 0x3FF
}

// decodePerm splits a PTE's eight mode-enable bits into the permission set
// granted to kernel-mode accesses and the set granted to user-mode accesses
// (spec.md §6: "kernel/executive/supervisor/user read and write enable
// bits"; executive and supervisor collapse into the kernel set, matching
// the teacher corpus's two-mode host OS model). A set fault-on-read,
// fault-on-write or fault-on-execute bit withholds that access in both sets.
func decodePerm(pte uint64) (kernelPerm, userPerm Perm) {
	execOK := pte&pteFOE == 0
	readOK := pte&pteFOR == 0
	writeOK := pte&pteFOW == 0
	if readOK && pte&(pteKRE|pteERE|pteSRE) != 0 {
		kernelPerm |= PermRead
	}
	if writeOK && pte&(pteKWE|pteEWE|pteSWE) != 0 {
		kernelPerm |= PermWrite
	}
	if readOK && pte&pteURE != 0 {
		userPerm |= PermRead
	}
	if writeOK && pte&pteUWE != 0 {
		userPerm |= PermWrite
	}
	if execOK {
		if pte&(pteKRE|pteERE|pteSRE) != 0 {
			kernelPerm |= PermExecute
		}
		if pte&pteURE != 0 {
			userPerm |= PermExecute
		}
	}
	return kernelPerm, userPerm
}

// Walk implements spec.md §4.3/§6: a three-level walk distinguishing
// translation-not-valid from access-violation at each level (resolved per
// SPEC_FULL's supplemented-features §6, grounded on original_source's
// TranslationResult.h).
func (w *PageWalker) Walk(vpn uint64, asn uint32) (ppn uint64, kernelPerm, userPerm Perm, global bool, f fault.Fault) {
	base := w.PTBR()
	for level := 0; level < 3; level++ {
		idx := pteIndex(vpn, level)
		pteAddr := base + idx*8
		pte := w.Mem.ReadBypass(pteAddr, 8)

		if pte&pteValid == 0 {
			return 0, 0, 0, false, fault.New(fault.TranslationNotValid, 0).WithLevel(level)
		}
		if level < 2 {
			base = (pte >> ptePFNShift) << PageShift
			continue
		}
		// Leaf level: check fault-on bits before handing back a translation.
		if pte&pteFOR != 0 && pte&pteFOW != 0 && pte&pteFOE != 0 {
			return 0, 0, 0, false, fault.New(fault.AccessViolation, 0).WithLevel(level)
		}
		ppn = pte >> ptePFNShift
		kernelPerm, userPerm = decodePerm(pte)
		global = pte&pteASM != 0
		return ppn, kernelPerm, userPerm, global, fault.Fault{}
	}
	return 0, 0, 0, false, fault.New(fault.TranslationNotValid, 0).WithLevel(2)
}
