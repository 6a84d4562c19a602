package kmutil

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/google/uuid"

	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

const (
	machHeader64Size        = 32
	filesetEntryHeaderSize  = 32
	uuidCommandSize         = 24
	linkeditDataCommandSize = 16
)

func filesetEntrySize(id string) uint64 {
	return alignUp(filesetEntryHeaderSize+uint64(len(id))+1, 8)
}

// headerSize is the size of the collection's mach header and load commands
func headerSize(regions []*Region, mods []*Module) uint64 {
	size := uint64(machHeader64Size)
	for _, r := range regions {
		size += inspect.SegmentCommand64Size + inspect.Section64Size*uint64(len(r.Sections))
	}
	for _, m := range mods {
		size += filesetEntrySize(m.ID)
	}
	return size + uuidCommandSize + linkeditDataCommandSize
}

type headerWriter struct {
	buf []byte
	off int
}

func (w *headerWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *headerWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *headerWriter) name(s string) {
	inspect.PutSegName(w.buf[w.off:], s)
	w.off += 16
}

func (w *headerWriter) segment(r *Region) {
	w.u32(inspect.LCSegment64)
	w.u32(uint32(inspect.SegmentCommand64Size + inspect.Section64Size*len(r.Sections)))
	w.name(r.Name)
	w.u64(r.Addr)
	w.u64(r.Capacity)
	w.u64(r.FileOffset)
	w.u64(r.Capacity)
	w.u32(uint32(r.MaxProt))
	w.u32(uint32(r.InitProt))
	w.u32(uint32(len(r.Sections)))
	w.u32(0) // flags
	for _, s := range r.Sections {
		w.name(s.Name)
		w.name(r.Name)
		w.u64(r.Addr + s.Offset)
		w.u64(s.Size)
		w.u32(uint32(r.FileOffset + s.Offset))
		w.u32(s.Align)
		w.off += 6 * 4 // reloff, nreloc, flags, reserved1-3
	}
}

func (w *headerWriter) filesetEntry(m *Module) {
	start := w.off
	size := filesetEntrySize(m.ID)
	w.u32(inspect.LCFilesetEntry)
	w.u32(uint32(size))
	w.u64(m.EntryAddr())
	w.u64(m.EntryOffset())
	w.u32(filesetEntryHeaderSize) // entry_id.offset
	w.u32(0)                      // reserved
	copy(w.buf[w.off:], m.ID)
	w.off = start + int(size)
}

// writeHeader renders the collection header into the header region. The
// UUID is left zero until finalize.
func (ctx *buildContext) writeHeader() error {
	var zero uuid.UUID
	if err := ctx.writePrelinkInfo(&zero); err != nil {
		return err
	}
	prelink := ctx.region(RegionPrelinkInfo)
	for i := range prelink.Sections {
		if prelink.Sections[i].Name == "__info" {
			prelink.Sections[i].Size = ctx.prelinkSize
		}
	}

	fileset := ctx.fileset()
	if size := headerSize(ctx.regions, fileset); size != ctx.headerSize {
		return fmt.Errorf("%w: header grew from %d to %d bytes", ErrSerialization, ctx.headerSize, size)
	}
	header := ctx.region(RegionHeader)
	w := &headerWriter{buf: header.Data[:ctx.headerSize]}
	clear(w.buf)

	ncmds := len(ctx.regions) + len(fileset) + 2
	w.u32(uint32(types.Magic64))
	w.u32(uint32(ctx.arch.cpu))
	w.u32(uint32(ctx.arch.subCPU))
	w.u32(uint32(types.MH_FILESET))
	w.u32(uint32(ncmds))
	w.u32(uint32(ctx.headerSize - machHeader64Size))
	w.u32(0) // flags
	w.u32(0) // reserved

	for _, r := range ctx.regions {
		w.segment(r)
	}
	for _, m := range fileset {
		w.filesetEntry(m)
	}

	w.u32(inspect.LCUUID)
	w.u32(uuidCommandSize)
	ctx.uuidOffset = header.FileOffset + uint64(w.off)
	w.off += 16

	w.u32(inspect.LCDyldChainedFixups)
	w.u32(linkeditDataCommandSize)
	w.u32(uint32(ctx.chainedOff))
	w.u32(uint32(ctx.chainedSize))

	if uint64(w.off) != ctx.headerSize {
		return fmt.Errorf("%w: wrote %d header bytes, expected %d", ErrSerialization, w.off, ctx.headerSize)
	}
	for _, r := range ctx.regions {
		if r.Used > r.Capacity {
			return fmt.Errorf("%w: region %s uses %#x bytes of %#x", ErrCapacity, r.Name, r.Used, r.Capacity)
		}
	}
	return nil
}
