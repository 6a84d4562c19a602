package kmutil

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

// OutputSection is a section of an output region
type OutputSection struct {
	Name   string
	Offset uint64 // from the start of the region
	Size   uint64
	Align  uint32 // log2
}

// Region is a permission homogeneous area of the output image
type Region struct {
	Index      int
	Name       string
	Kind       RegionKind
	InitProt   inspect.Prot
	MaxProt    inspect.Prot
	Capacity   uint64
	Used       uint64
	FileOffset uint64
	Addr       uint64
	// Data is the region's slice of the single build buffer (len == Capacity)
	Data     []byte
	Sections []OutputSection
	// Module owns a non_split region
	Module *Module

	reserve uint64 // bytes kept free at the end for late writers
}

func (r *Region) String() string {
	return fmt.Sprintf("%-16s %s %#x-%#x (%#x/%#x)", r.Name, r.InitProt, r.Addr, r.Addr+r.Capacity, r.Used, r.Capacity)
}

// Contains reports whether addr falls in the region's VM range
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+r.Capacity
}

// Location returns the side table location of an address in the region
func (r *Region) Location(addr uint64) aslr.Location {
	return aslr.Location{Region: r.Index, Offset: addr - r.Addr}
}

// alloc reserves size bytes aligned to align at the end of the used area
func (r *Region) alloc(size, align uint64) (uint64, error) {
	off := alignUp(r.Used, align)
	if r.Data != nil && off+size > r.Capacity {
		return 0, fmt.Errorf("%w: region %s needs %#x bytes, capacity %#x", ErrCapacity, r.Name, off+size, r.Capacity)
	}
	r.Used = off + size
	return off, nil
}

func (r *Region) readPointer(off uint64) (uint64, error) {
	if off+pointerSize > uint64(len(r.Data)) {
		return 0, fmt.Errorf("%w: pointer at %s+%#x outside region", ErrMalformedFixup, r.Name, off)
	}
	return binary.LittleEndian.Uint64(r.Data[off:]), nil
}

func (r *Region) writePointer(off, val uint64) error {
	if off+pointerSize > uint64(len(r.Data)) {
		return fmt.Errorf("%w: pointer at %s+%#x outside region", ErrMalformedFixup, r.Name, off)
	}
	binary.LittleEndian.PutUint64(r.Data[off:], val)
	return nil
}
