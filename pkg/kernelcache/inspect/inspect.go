// Package inspect exposes read-only views over the binary images that are
// embedded into (or referenced by) a kernel collection.
package inspect

import (
	"fmt"
	"iter"
	"strings"
)

// Prot is a VM protection triple
type Prot uint32

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit Prot
		ch  byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&c.bit != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ParseProt parses "rw-" style protection strings
func ParseProt(s string) (Prot, error) {
	if len(s) != 3 {
		return 0, fmt.Errorf("invalid protection %q", s)
	}
	var p Prot
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			p |= Prot(1 << i)
		case '-':
		default:
			return 0, fmt.Errorf("invalid protection %q", s)
		}
	}
	return p, nil
}

// Segment is one source segment of an image
type Segment struct {
	Name     string
	Addr     uint64 // unslid VM address
	Size     uint64 // VM size
	Offset   uint64 // file offset
	FileSize uint64
	MaxProt  Prot
	InitProt Prot
	Align    uint64 // natural alignment in bytes (largest section alignment)
	Data     []byte // file backed bytes (len <= FileSize)
}

// Contains reports whether addr falls inside the segment's VM range
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

// Section is one section of a segment
type Section struct {
	Segment string
	Name    string
	Addr    uint64
	Size    uint64
	Offset  uint32
	Align   uint32 // log2
}

// Symbol is a defined symbol
type Symbol struct {
	Name string
	Addr uint64
}

// FixupKind is the small fixed set of relocations the builder understands
type FixupKind uint8

const (
	// Rebase is a pointer to somewhere inside the same image
	Rebase FixupKind = iota
	// Bind is a pointer to a named symbol
	Bind
	// Branch is a direct call/jump instruction
	Branch
)

func (k FixupKind) String() string {
	switch k {
	case Rebase:
		return "rebase"
	case Bind:
		return "bind"
	case Branch:
		return "branch"
	default:
		return fmt.Sprintf("FixupKind(%d)", k)
	}
}

// PointerAuth is the arm64e pointer authentication data of a fixup
type PointerAuth struct {
	Diversity uint16
	AddrDiv   bool
	Key       uint8
}

// Fixup is one existing relocation/fixup of an image
type Fixup struct {
	Kind FixupKind
	Addr uint64 // location (unslid VM address)
	// Target is the VM address a rebase (or a local branch) points at. When
	// TargetIsOffset is set it is an offset from the base of the collection
	// identified by Level instead.
	Target         uint64
	TargetIsOffset bool
	Symbol         string // bind/branch symbol name
	Addend         int64
	Weak           bool
	Auth           *PointerAuth
	Level          uint8
	HasLevel       bool
}

// IsLocalBranch reports whether a branch fixup targets an address in its own image
func (f Fixup) IsLocalBranch() bool {
	return f.Kind == Branch && f.Symbol == ""
}

// Inspector is the read-only view the builder consumes. Every sequence is
// lazy, finite and restartable.
type Inspector interface {
	Segments() iter.Seq[Segment]
	Sections() iter.Seq[Section]
	ExportedSymbols() iter.Seq[Symbol]
	LocalSymbols() iter.Seq[Symbol]
	// Fixups yields every existing fixup; a non-nil error aborts the walk
	Fixups() iter.Seq2[Fixup, error]
	SectionContent(segment, section string) ([]byte, error)
	PreferredLoadAddress() uint64
	HasCompactRelocationFormat() bool
}

// Entry is one module of an already built collection
type Entry struct {
	ID    string
	Image Inspector
}

// Collection is an Inspector over an already built collection that can also
// enumerate the modules it contains.
type Collection interface {
	Inspector
	Entries() ([]Entry, error)
}

// SegmentNamed returns the first segment with the given name
func SegmentNamed(i Inspector, name string) (Segment, bool) {
	for seg := range i.Segments() {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// End returns the highest VM address covered by any segment of the image
func End(i Inspector) uint64 {
	var end uint64
	for seg := range i.Segments() {
		end = max(end, seg.Addr+seg.Size)
	}
	return end
}

// HasCode reports whether the image has at least one non-empty segment
func HasCode(i Inspector) bool {
	if i == nil {
		return false
	}
	for seg := range i.Segments() {
		if seg.Size > 0 && seg.Name != "__LINKEDIT" {
			return true
		}
	}
	return false
}
