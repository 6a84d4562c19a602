package inspect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
)

const (
	nStab     = 0xe0
	nTypeMask = 0x0e
	nSect     = 0x0e
	nUndf     = 0x00
	nExt      = 0x01
	nWeakRef  = 0x0040

	relocUnsigned = 0
	relocBranch   = 2
)

// ErrArchNotFound is returned when a universal binary has no slice for the requested arch
var ErrArchNotFound = errors.New("arch not found in universal binary")

// Arch maps an arch name to its Mach-O CPU type/subtype
type Arch struct {
	Name   string
	CPU    types.CPU
	SubCPU types.CPUSubtype
}

var arches = []Arch{
	{Name: "arm64e", CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64E},
	{Name: "arm64", CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All},
	{Name: "x86_64", CPU: types.CPUAmd64, SubCPU: types.CPUSubtypeX8664All},
}

// LookupArch returns the CPU type/subtype for an arch name
func LookupArch(name string) (Arch, error) {
	for _, a := range arches {
		if a.Name == name {
			return a, nil
		}
	}
	return Arch{}, fmt.Errorf("unsupported arch %q", name)
}

func (a Arch) matches(cpu types.CPU, sub types.CPUSubtype) bool {
	return a.CPU == cpu && uint32(a.SubCPU)&0xff == uint32(sub)&0xff
}

// MachO is an Inspector backed by github.com/blacktop/go-macho
type MachO struct {
	f    *macho.File
	data []byte
	Name string

	once   sync.Once
	fixups []Fixup
	err    error
}

var _ Collection = (*MachO)(nil)

// Open reads a (possibly universal) Mach-O from disk and selects the slice
// for arch; an empty arch selects the last slice.
func Open(path, arch string) (*MachO, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := NewMachO(dat, arch)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	m.Name = path
	return m, nil
}

// NewMachO parses an in-memory (possibly universal) Mach-O
func NewMachO(dat []byte, arch string) (*MachO, error) {
	fat, err := macho.NewFatFile(bytes.NewReader(dat))
	if err == nil {
		defer fat.Close()
		idx := len(fat.Arches) - 1
		if arch != "" {
			want, err := LookupArch(arch)
			if err != nil {
				return nil, err
			}
			idx = slices.IndexFunc(fat.Arches, func(fa macho.FatArch) bool {
				return want.matches(fa.CPU, fa.SubCPU)
			})
			if idx < 0 {
				return nil, fmt.Errorf("%w: %s", ErrArchNotFound, arch)
			}
		}
		fa := fat.Arches[idx]
		start, end := uint64(fa.Offset), uint64(fa.Offset)+uint64(fa.Size)
		if end > uint64(len(dat)) {
			return nil, fmt.Errorf("universal slice %d extends past end of file", idx)
		}
		dat = dat[start:end]
	} else if !errors.Is(err, macho.ErrNotFat) {
		return nil, fmt.Errorf("failed to parse universal header: %w", err)
	}

	f, err := macho.NewFile(bytes.NewReader(dat))
	if err != nil {
		return nil, err
	}
	if arch != "" && fat == nil {
		if want, err := LookupArch(arch); err == nil && !want.matches(f.CPU, f.SubCPU) {
			log.Debugf("image cpu %s does not match requested arch %s", f.CPU, arch)
		}
	}
	return &MachO{f: f, data: dat}, nil
}

// Close closes the underlying go-macho file
func (m *MachO) Close() error { return m.f.Close() }

func (m *MachO) Segments() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		for _, seg := range m.f.Segments() {
			s := Segment{
				Name:     seg.Name,
				Addr:     seg.Addr,
				Size:     seg.Memsz,
				Offset:   seg.Offset,
				FileSize: seg.Filesz,
				MaxProt:  Prot(uint32(seg.Maxprot)),
				InitProt: Prot(uint32(seg.Prot)),
				Align:    1,
			}
			for _, sect := range m.f.Sections {
				if sect.Seg == seg.Name {
					s.Align = max(s.Align, uint64(1)<<sect.Align)
				}
			}
			if seg.Filesz > 0 && seg.Offset+seg.Filesz <= uint64(len(m.data)) {
				s.Data = m.data[seg.Offset : seg.Offset+seg.Filesz]
			}
			if !yield(s) {
				return
			}
		}
	}
}

func (m *MachO) Sections() iter.Seq[Section] {
	return func(yield func(Section) bool) {
		for _, sect := range m.f.Sections {
			if !yield(Section{
				Segment: sect.Seg,
				Name:    sect.Name,
				Addr:    sect.Addr,
				Size:    sect.Size,
				Offset:  sect.Offset,
				Align:   sect.Align,
			}) {
				return
			}
		}
	}
}

func (m *MachO) symbols(external bool) iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		if m.f.Symtab == nil {
			if !external {
				return
			}
			exports, err := m.f.DyldExports()
			if err != nil {
				log.WithError(err).Debug("failed to parse exports trie")
				return
			}
			for _, exp := range exports {
				if !yield(Symbol{Name: exp.Name, Addr: exp.Address}) {
					return
				}
			}
			return
		}
		for _, sym := range m.f.Symtab.Syms {
			typ := uint8(sym.Type)
			if typ&nStab != 0 || typ&nTypeMask != nSect {
				continue
			}
			if (typ&nExt != 0) != external {
				continue
			}
			if !yield(Symbol{Name: sym.Name, Addr: sym.Value}) {
				return
			}
		}
	}
}

func (m *MachO) ExportedSymbols() iter.Seq[Symbol] { return m.symbols(true) }
func (m *MachO) LocalSymbols() iter.Seq[Symbol]    { return m.symbols(false) }

func (m *MachO) SectionContent(segment, section string) ([]byte, error) {
	sect := m.f.Section(segment, section)
	if sect == nil {
		return nil, fmt.Errorf("section %s.%s not found", segment, section)
	}
	return sect.Data()
}

func (m *MachO) PreferredLoadAddress() uint64 { return m.f.GetBaseAddress() }

// HasCompactRelocationFormat reports whether the image carries chained fixups
// and split segment info, i.e. its segments may be placed independently.
func (m *MachO) HasCompactRelocationFormat() bool {
	var chained, split bool
	for lc, err := range LoadCommands(m.data) {
		if err != nil {
			return false
		}
		switch lc.Cmd {
		case LCDyldChainedFixups:
			chained = true
		case LCSegmentSplitInfo:
			split = true
		}
	}
	return chained && split
}

func (m *MachO) Fixups() iter.Seq2[Fixup, error] {
	return func(yield func(Fixup, error) bool) {
		m.once.Do(func() { m.fixups, m.err = m.parseFixups() })
		if m.err != nil {
			yield(Fixup{}, m.err)
			return
		}
		for _, f := range m.fixups {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Entries returns the fileset entries of an MH_FILESET image, or the image
// itself for anything else.
func (m *MachO) Entries() ([]Entry, error) {
	if m.f.FileTOC.FileHeader.Type != types.MH_FILESET {
		return []Entry{{Image: m}}, nil
	}
	var entries []Entry
	for _, fe := range m.f.FileSets() {
		sub, err := m.f.GetFileSetFileByName(fe.EntryID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fileset entry %s: %w", fe.EntryID, err)
		}
		entries = append(entries, Entry{ID: fe.EntryID, Image: &MachO{f: sub, data: m.data, Name: fe.EntryID}})
	}
	return entries, nil
}

func (m *MachO) weakImports() map[string]bool {
	weak := make(map[string]bool)
	if m.f.Symtab == nil {
		return weak
	}
	for _, sym := range m.f.Symtab.Syms {
		if uint8(sym.Type)&nTypeMask == nUndf && uint16(sym.Desc)&nWeakRef != 0 {
			weak[sym.Name] = true
		}
	}
	return weak
}

func (m *MachO) parseFixups() ([]Fixup, error) {
	if m.f.HasFixups() {
		return m.chainedFixups()
	}
	return m.classicRelocations()
}

// pointer formats whose rebase target is a VM address rather than an offset
func targetIsVMAddr(format uint16) bool {
	return format == 1 || format == 2 // DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_64
}

func isKernelCacheFormat(format uint16) bool {
	return format == 8 || format == 11 // DYLD_CHAINED_PTR_64_KERNEL_CACHE, DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
}

func (m *MachO) chainedFixups() ([]Fixup, error) {
	dcf, err := m.f.DyldChainedFixups()
	if err != nil {
		return nil, fmt.Errorf("failed to parse chained fixups: %w", err)
	}
	base := m.f.GetBaseAddress()
	weak := m.weakImports()

	var fixups []Fixup
	for _, start := range dcf.Starts {
		if start.PageStarts == nil {
			continue
		}
		for _, fixup := range start.Fixups {
			fx, err := chainedFixup(fixup, uint16(start.PointerFormat), base, weak)
			if err != nil {
				return nil, err
			}
			fixups = append(fixups, fx)
		}
	}
	return fixups, nil
}

// chainedFixup converts one decoded chained pointer of the given format.
// Rebase targets come back as VM addresses, or as offsets from the level
// base for kernel cache formats.
func chainedFixup(fixup fixupchains.Fixup, format uint16, base uint64, weak map[string]bool) (Fixup, error) {
	var fx Fixup
	switch f := fixup.(type) {
	case fixupchains.Bind:
		fx = Fixup{
			Kind:   Bind,
			Addr:   base + uint64(f.Offset()),
			Symbol: f.Name(),
			Addend: int64(f.Addend()),
			Weak:   weak[f.Name()],
		}
	case fixupchains.Rebase:
		fx = Fixup{Kind: Rebase, Addr: base + uint64(f.Offset()), Target: uint64(f.Target())}
		switch {
		case isKernelCacheFormat(format):
			fx.TargetIsOffset = true
			if cl, ok := fixup.(interface{ CacheLevel() uint64 }); ok {
				fx.Level = uint8(cl.CacheLevel())
				fx.HasLevel = true
			}
		case !targetIsVMAddr(format):
			fx.Target += base
		}
	default:
		return Fixup{}, fmt.Errorf("unsupported chained fixup %T", fixup)
	}
	if a, ok := fixup.(fixupchains.Auth); ok && isAuth(fixup) {
		fx.Auth = &PointerAuth{
			Diversity: uint16(a.Diversity()),
			Key:       uint8(a.Key()),
			AddrDiv:   a.AddrDiv() != 0,
		}
	}
	return fx, nil
}

// isAuth reports whether a chained pointer is signed. Kernel cache pointers
// carry the auth fields whether or not their isAuth bit is set.
func isAuth(fixup fixupchains.Fixup) bool {
	if a, ok := fixup.(interface{ IsAuth() uint64 }); ok {
		return a.IsAuth() != 0
	}
	return true
}

func (m *MachO) readPointer(addr uint64) (uint64, bool) {
	for seg := range m.Segments() {
		if seg.Contains(addr) && addr-seg.Addr+8 <= uint64(len(seg.Data)) {
			return binary.LittleEndian.Uint64(seg.Data[addr-seg.Addr:]), true
		}
	}
	return 0, false
}

// classicRelocations converts the external/local relocation tables of an
// MH_KEXT_BUNDLE into fixups.
func (m *MachO) classicRelocations() ([]Fixup, error) {
	var extreloff, nextrel, locreloff, nlocrel uint32
	for lc, err := range LoadCommands(m.data) {
		if err != nil {
			return nil, err
		}
		if lc.Cmd == LCDysymtab && len(lc.Data) >= 80 {
			extreloff = binary.LittleEndian.Uint32(lc.Data[64:])
			nextrel = binary.LittleEndian.Uint32(lc.Data[68:])
			locreloff = binary.LittleEndian.Uint32(lc.Data[72:])
			nlocrel = binary.LittleEndian.Uint32(lc.Data[76:])
		}
	}
	if nextrel == 0 && nlocrel == 0 {
		return nil, nil
	}

	var base uint64
	segs := m.f.Segments()
	if len(segs) > 0 {
		base = segs[0].Addr
	}
	if HeaderFlags(m.data)&MHSplitSegs != 0 {
		for _, seg := range segs {
			if uint32(seg.Prot)&uint32(ProtWrite) != 0 {
				base = seg.Addr
				break
			}
		}
	}
	weak := m.weakImports()

	var fixups []Fixup
	for _, tbl := range []struct{ off, n uint32 }{{extreloff, nextrel}, {locreloff, nlocrel}} {
		if tbl.n == 0 {
			continue
		}
		if uint64(tbl.off) > uint64(len(m.data)) {
			return nil, fmt.Errorf("relocation table offset %#x past end of file", tbl.off)
		}
		relocs, err := parseRelocs(m.data[tbl.off:], tbl.n)
		if err != nil {
			return nil, err
		}
		for _, r := range relocs {
			if r.scatter {
				return nil, fmt.Errorf("scattered relocation at %#x is not supported", uint32(r.addr))
			}
			addr := base + uint64(int64(r.addr))
			switch {
			case r.typ == relocUnsigned && r.length == 3:
				val, ok := m.readPointer(addr)
				if !ok {
					return nil, fmt.Errorf("relocation at %#x is outside file backed data", addr)
				}
				if r.extern {
					name, err := m.symbolName(r.symbol)
					if err != nil {
						return nil, err
					}
					fixups = append(fixups, Fixup{Kind: Bind, Addr: addr, Symbol: name, Addend: int64(val), Weak: weak[name]})
				} else {
					fixups = append(fixups, Fixup{Kind: Rebase, Addr: addr, Target: val})
				}
			case r.typ == relocBranch && r.pcrel:
				if !r.extern {
					continue // PC relative within the image; stays valid while the image is kept contiguous
				}
				name, err := m.symbolName(r.symbol)
				if err != nil {
					return nil, err
				}
				fixups = append(fixups, Fixup{Kind: Branch, Addr: addr, Symbol: name, Weak: weak[name]})
			default:
				return nil, fmt.Errorf("unsupported relocation type %d (length %d) at %#x", r.typ, r.length, addr)
			}
		}
	}
	return fixups, nil
}

func (m *MachO) symbolName(idx uint32) (string, error) {
	if m.f.Symtab == nil || int(idx) >= len(m.f.Symtab.Syms) {
		return "", fmt.Errorf("relocation references invalid symbol index %d", idx)
	}
	return m.f.Symtab.Syms[idx].Name, nil
}
