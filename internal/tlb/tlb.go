// Package tlb implements the per-CPU translation lookaside buffer (C5) and
// three-level PALcode page-table walker (C6), per spec.md §4.3.
//
// Grounded on the teacher's RegisterFileWrapper map-based lookup style
// (registers.go uses a map[uint16]*uint64 keyed by IPR number); the TLB here
// uses the same "small keyed table behind a mutex" shape, generalised to a
// (VPN, ASN) composite key with an LRU victim buffer, per spec.md §9's
// resolved Open Question on victim-buffer sizing (8 entries).
package tlb

import (
	"sync"

	"github.com/openalpha/alphasim/internal/fault"
)

const (
	PageShift = 13 // 8 KiB pages, canonical Alpha (spec.md §4.3)
	PageMask  = (1 << PageShift) - 1

	VictimEntries = 8
)

// Perm mirrors the TLB entry's permission bits (spec.md §3 data model).
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
	PermKernelOnly
)

// Kind selects instruction vs. data entries, for the Invalidate*Entry
// operations (spec.md §4.3).
type Kind uint8

const (
	KindData Kind = iota
	KindInstruction
)

// Entry is one TLB translation (spec.md §3 "TLB entry"). KernelPerm and
// UserPerm are decoded once at install time from the PTE's eight mode bits;
// Translate selects between them per access using the caller's kernel-mode
// flag, so a cached entry serves both privilege levels correctly without a
// re-walk.
type Entry struct {
	VPN        uint64
	ASN        uint32
	PPN        uint64
	KernelPerm Perm
	UserPerm   Perm
	Global     bool // ASM bit: matches on VPN alone, ignoring ASN
	Kind       Kind
	Dirty      bool
	Ref        bool
	lastUse    uint64
}

type key struct {
	vpn    uint64
	asn    uint32
	global bool
}

// Walker resolves a virtual page to a physical page via the three-level
// PALcode page table when the TLB misses.
type Walker interface {
	// Walk returns the PPN and both privilege levels' permission bits for
	// vpn under asn, or a fault naming which level was invalid (spec.md
	// §4.3: "return a fault describing which level was invalid").
	Walk(vpn uint64, asn uint32) (ppn uint64, kernelPerm, userPerm Perm, global bool, f fault.Fault)
}

// TLB is a per-CPU, software-managed, fully-associative translation cache
// with a small victim buffer.
type TLB struct {
	mu      sync.RWMutex
	entries map[key]*Entry
	victim  []*Entry // most-recently-evicted first
	maxSize int
	clock   uint64
	walker  Walker
}

// New builds a TLB backed by walker, holding up to maxSize entries before
// LRU eviction to the victim buffer.
func New(maxSize int, walker Walker) *TLB {
	return &TLB{
		entries: make(map[key]*Entry, maxSize),
		maxSize: maxSize,
		walker:  walker,
	}
}

func vpnOf(vaddr uint64) uint64 { return vaddr >> PageShift }

func kindOf(isExecute bool) Kind {
	if isExecute {
		return KindInstruction
	}
	return KindData
}

func (t *TLB) lookupLocked(vpn uint64, asn uint32) *Entry {
	if e, ok := t.entries[key{vpn: vpn, asn: asn}]; ok {
		return e
	}
	if e, ok := t.entries[key{vpn: vpn, global: true}]; ok {
		return e
	}
	return nil
}

func (t *TLB) victimLookupLocked(vpn uint64, asn uint32) *Entry {
	for i, e := range t.victim {
		if e.VPN == vpn && (e.Global || e.ASN == asn) {
			t.victim = append(t.victim[:i], t.victim[i+1:]...)
			return e
		}
	}
	return nil
}

func permCheck(e *Entry, isWrite, isExecute, kernel bool) fault.Kind {
	p := e.UserPerm
	if kernel {
		p = e.KernelPerm
	}
	if p == 0 {
		return fault.PrivilegeViolation
	}
	if isExecute && p&PermExecute == 0 {
		return fault.ExecuteProtectionFault
	}
	if isWrite && p&PermWrite == 0 {
		return fault.WriteProtectionFault
	}
	if !isExecute && !isWrite && p&PermRead == 0 {
		return fault.ProtectionFault
	}
	return fault.None
}

// Translate implements spec.md §4.3's Translate algorithm. The returned
// hit reports whether the entry was already resident (TLB or victim
// buffer) as opposed to requiring a page-table walk, for PerformanceCounters'
// TLB-miss event (spec.md:230).
func (t *TLB) Translate(vaddr uint64, asn uint32, isWrite, isExecute, kernel bool, pc uint64) (paddr uint64, hit bool, f fault.Fault) {
	vpn := vpnOf(vaddr)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock++

	e := t.lookupLocked(vpn, asn)
	hit = e != nil
	if e == nil {
		if e = t.victimLookupLocked(vpn, asn); e != nil {
			hit = true
			t.installLocked(e)
		}
	}
	if e == nil {
		ppn, kernelPerm, userPerm, global, wf := t.walker.Walk(vpn, asn)
		if !wf.Ok() {
			wf.PC = pc
			return 0, false, wf.WithAddr(vaddr, 0, isWrite)
		}
		e = &Entry{VPN: vpn, ASN: asn, PPN: ppn, KernelPerm: kernelPerm, UserPerm: userPerm, Global: global, Kind: kindOf(isExecute)}
		t.installLocked(e)
	}

	e.lastUse = t.clock
	if k := permCheck(e, isWrite, isExecute, kernel); k != fault.None {
		return 0, hit, fault.New(k, pc).WithAddr(vaddr, 0, isWrite)
	}
	if isWrite {
		e.Dirty = true
	}
	e.Ref = true
	return (e.PPN << PageShift) | (vaddr & PageMask), hit, fault.Fault{}
}

// installLocked inserts e, evicting the LRU entry to the victim buffer if
// the TLB is full. Must be called with t.mu held.
func (t *TLB) installLocked(e *Entry) {
	e.lastUse = t.clock // the entry being installed is the most recently used
	k := key{vpn: e.VPN, asn: e.ASN}
	if e.Global {
		k = key{vpn: e.VPN, global: true}
	}
	t.entries[k] = e
	if len(t.entries) <= t.maxSize {
		return
	}
	var lruKey key
	var lru *Entry
	for k, v := range t.entries {
		if lru == nil || v.lastUse < lru.lastUse {
			lru, lruKey = v, k
		}
	}
	delete(t.entries, lruKey)
	t.victim = append([]*Entry{lru}, t.victim...)
	if len(t.victim) > VictimEntries {
		t.victim = t.victim[:VictimEntries]
	}
}

// InvalidateAll clears every TLB and victim-buffer entry.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[key]*Entry, t.maxSize)
	t.victim = nil
}

// InvalidateByASN drops every non-global entry tagged with asn.
func (t *TLB) InvalidateByASN(asn uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if !e.Global && e.ASN == asn {
			delete(t.entries, k)
		}
	}
	kept := t.victim[:0]
	for _, e := range t.victim {
		if e.Global || e.ASN != asn {
			kept = append(kept, e)
		}
	}
	t.victim = kept
}

// InvalidateEntry drops the (vaddr, asn) entry if present.
func (t *TLB) InvalidateEntry(vaddr uint64, asn uint32) {
	t.invalidateEntryKind(vaddr, asn, nil)
}

// InvalidateInstructionEntry drops the entry only if it is an instruction
// entry.
func (t *TLB) InvalidateInstructionEntry(vaddr uint64, asn uint32) {
	k := KindInstruction
	t.invalidateEntryKind(vaddr, asn, &k)
}

// InvalidateDataEntry drops the entry only if it is a data entry.
func (t *TLB) InvalidateDataEntry(vaddr uint64, asn uint32) {
	k := KindData
	t.invalidateEntryKind(vaddr, asn, &k)
}

func (t *TLB) invalidateEntryKind(vaddr uint64, asn uint32, want *Kind) {
	vpn := vpnOf(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.VPN != vpn || (!e.Global && e.ASN != asn) {
			continue
		}
		if want != nil && e.Kind != *want {
			continue
		}
		delete(t.entries, k)
	}
	kept := t.victim[:0]
	for _, e := range t.victim {
		if e.VPN == vpn && (e.Global || e.ASN == asn) && (want == nil || e.Kind == *want) {
			continue
		}
		kept = append(kept, e)
	}
	t.victim = kept
}
