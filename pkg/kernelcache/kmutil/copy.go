package kmutil

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

const (
	nlistSize           = 16
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

// placedData is raw payload copied into a region once the buffer exists
type placedData struct {
	region *Region
	offset uint64
	data   []byte
}

// copyModules copies every module's segment bytes to their destination and
// rewrites each embedded mach header to describe its new placement
func (ctx *buildContext) copyModules() error {
	var eg errgroup.Group
	eg.SetLimit(ctx.workers)
	for _, m := range ctx.fileset() {
		eg.Go(func() error {
			for _, mp := range m.Mappings {
				if mp.Region == nil {
					continue
				}
				dst := mp.Region.Data[mp.RegionOffset : mp.RegionOffset+mp.Size]
				copy(dst, mp.Segment.Data[:mp.CopySize])
			}
			if err := ctx.rewriteHeader(m); err != nil {
				m.Diag().Errorf("failed to rewrite mach header: %w", err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for _, pd := range ctx.userData {
		copy(pd.region.Data[pd.offset:], pd.data)
	}
	return ctx.failures()
}

func (m *Module) segmentMapping(name string) *SegmentMapping {
	for _, mp := range m.Mappings {
		if mp.Segment.Name == name {
			return mp
		}
	}
	return nil
}

// rewriteHeader patches the copied load commands of a module in place
func (ctx *buildContext) rewriteHeader(m *Module) error {
	hm := m.headerMapping()
	if hm == nil || hm.Segment.Offset != 0 {
		return nil
	}
	hdr := hm.Region.Data[hm.RegionOffset : hm.RegionOffset+hm.Size]
	if len(hdr) < 4 || binary.LittleEndian.Uint32(hdr) != 0xfeedfacf {
		log.WithField("module", m.ID).Debug("No mach header to rewrite")
		return nil
	}

	// every link-edit file offset moves by the same amount
	var delta int64
	if lm := m.segmentMapping(linkeditSegment); lm != nil && lm.Region != nil {
		delta = int64(lm.FileOffset) - int64(lm.Segment.Offset)
	}
	shift := func(b []byte) {
		if v := binary.LittleEndian.Uint32(b); v != 0 {
			binary.LittleEndian.PutUint32(b, uint32(int64(v)+delta))
		}
	}

	var nlocal uint32
	var symtab []byte
	for lc, err := range inspect.LoadCommands(hdr) {
		if err != nil {
			return err
		}
		d := lc.Data
		switch lc.Cmd {
		case inspect.LCSegment64:
			if err := rewriteSegment(m, d); err != nil {
				return err
			}
		case inspect.LCSymtab:
			symtab = d
		case inspect.LCDysymtab:
			if len(d) < 80 {
				return fmt.Errorf("LC_DYSYMTAB too small (%d bytes)", len(d))
			}
			if m.Strip == StripAll {
				clear(d[8:80])
				continue
			}
			for _, off := range []int{32, 40, 48, 56, 64, 72} {
				shift(d[off:])
			}
			if m.Strip == StripLocals {
				if err := ctx.stripLocals(d); err != nil {
					return err
				}
				nlocal = binary.LittleEndian.Uint32(d[12:])
				clear(d[8:16])
			}
		case inspect.LCDyldChainedFixups:
			// the collection carries the only chained fixups
			clear(d[8:16])
		case inspect.LCFunctionStarts, inspect.LCDataInCode, inspect.LCSegmentSplitInfo,
			inspect.LCDyldExportsTrie, inspect.LCCodeSignature:
			if m.Strip == StripAll {
				clear(d[8:16])
				continue
			}
			shift(d[8:])
		}
	}

	if symtab != nil {
		if len(symtab) < 24 {
			return fmt.Errorf("LC_SYMTAB too small (%d bytes)", len(symtab))
		}
		switch m.Strip {
		case StripAll:
			clear(symtab[8:24])
		default:
			shift(symtab[8:])
			shift(symtab[16:])
			if nlocal > 0 {
				symoff := binary.LittleEndian.Uint32(symtab[8:])
				nsyms := binary.LittleEndian.Uint32(symtab[12:])
				binary.LittleEndian.PutUint32(symtab[8:], symoff+nlocal*nlistSize)
				binary.LittleEndian.PutUint32(symtab[12:], nsyms-nlocal)
			}
		}
	}
	return nil
}

// rewriteSegment points one LC_SEGMENT_64 and its sections at the output
func rewriteSegment(m *Module, d []byte) error {
	if len(d) < inspect.SegmentCommand64Size {
		return fmt.Errorf("LC_SEGMENT_64 too small (%d bytes)", len(d))
	}
	name := inspect.SegName(d[8:])
	mp := m.segmentMapping(name)
	if mp == nil {
		return fmt.Errorf("segment %s has no mapping", name)
	}
	nsects := binary.LittleEndian.Uint32(d[64:])
	if inspect.SegmentCommand64Size+int(nsects)*inspect.Section64Size > len(d) {
		return fmt.Errorf("segment %s has %d sections but only %d bytes", name, nsects, len(d))
	}
	if mp.Region == nil {
		binary.LittleEndian.PutUint64(d[24:], 0) // vmaddr
		binary.LittleEndian.PutUint64(d[32:], 0) // vmsize
		binary.LittleEndian.PutUint64(d[40:], 0) // fileoff
		binary.LittleEndian.PutUint64(d[48:], 0) // filesize
		return nil
	}
	binary.LittleEndian.PutUint64(d[24:], mp.Addr)
	binary.LittleEndian.PutUint64(d[32:], mp.Size)
	binary.LittleEndian.PutUint64(d[40:], mp.FileOffset)
	binary.LittleEndian.PutUint64(d[48:], mp.Size)

	for i := range int(nsects) {
		s := d[inspect.SegmentCommand64Size+i*inspect.Section64Size:]
		addr := binary.LittleEndian.Uint64(s[32:])
		if addr < mp.Segment.Addr {
			return fmt.Errorf("section %s.%s at %#x is below its segment", name, inspect.SegName(s), addr)
		}
		rel := addr - mp.Segment.Addr
		binary.LittleEndian.PutUint64(s[32:], mp.Addr+rel)
		if binary.LittleEndian.Uint32(s[48:]) != 0 {
			binary.LittleEndian.PutUint32(s[48:], uint32(mp.FileOffset+rel))
		}
	}
	return nil
}

// stripLocals hides the local symbols of an already shifted LC_DYSYMTAB.
// Locals come first in the symbol table, so every later index drops by
// nlocalsym and indirect entries that referenced a local become
// INDIRECT_SYMBOL_LOCAL.
func (ctx *buildContext) stripLocals(d []byte) error {
	ilocal := binary.LittleEndian.Uint32(d[8:])
	nlocal := binary.LittleEndian.Uint32(d[12:])
	if nlocal == 0 {
		return nil
	}
	if ilocal != 0 {
		return fmt.Errorf("local symbols start at index %d, not 0", ilocal)
	}
	for _, off := range []int{16, 24} { // iextdefsym, iundefsym
		if v := binary.LittleEndian.Uint32(d[off:]); v >= nlocal {
			binary.LittleEndian.PutUint32(d[off:], v-nlocal)
		}
	}
	indoff := uint64(binary.LittleEndian.Uint32(d[56:]))
	nind := uint64(binary.LittleEndian.Uint32(d[60:]))
	if nind == 0 {
		return nil
	}
	if indoff+nind*4 > uint64(len(ctx.buf)) {
		return fmt.Errorf("indirect symbol table at %#x extends past the image", indoff)
	}
	for i := range nind {
		b := ctx.buf[indoff+i*4:]
		v := binary.LittleEndian.Uint32(b)
		switch {
		case v&(indirectSymbolLocal|indirectSymbolAbs) != 0:
		case v >= nlocal:
			binary.LittleEndian.PutUint32(b, v-nlocal)
		default:
			binary.LittleEndian.PutUint32(b, indirectSymbolLocal)
		}
	}
	return nil
}
