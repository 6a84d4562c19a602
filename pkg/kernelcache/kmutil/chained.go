package kmutil

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
)

const (
	chainedHeaderSize      = 28
	chainedStartsOffset    = 32 // header rounded up to 8
	chainedSegmentSize     = 22 // dyld_chained_starts_in_segment without page_start[]
	chainedImportsFormat   = 1  // DYLD_CHAINED_IMPORT
	chainedPageStartNone   = 0xFFFF
	chainedSymbolsPoolSize = 8
	chainedMaxNext         = 1<<12 - 1
	chainedMaxTarget       = 1<<30 - 1
)

// chainedFixupsSize is the size of a chained fixups blob with segCount
// segments where the i'th pointer carrying segment spans pages[i] pages
func chainedFixupsSize(segCount int, pages []uint64) uint64 {
	size := uint64(chainedStartsOffset)
	size += alignUp(4+4*uint64(segCount), 8)
	for _, n := range pages {
		size += alignUp(chainedSegmentSize+2*n, 8)
	}
	return size + chainedSymbolsPoolSize
}

// chainedPointer is a dyld_chained_ptr_64_kernel_cache_rebase
type chainedPointer struct {
	Target uint64 // offset from the base of Level
	Level  aslr.Level
	Auth   *aslr.Auth
	Next   uint64 // in strides
}

func (p chainedPointer) encode() (uint64, error) {
	if p.Target > chainedMaxTarget {
		return 0, fmt.Errorf("%w: target offset %#x does not fit 30 bits", ErrCapacity, p.Target)
	}
	if p.Next > chainedMaxNext {
		return 0, fmt.Errorf("%w: next %d does not fit 12 bits", ErrMalformedFixup, p.Next)
	}
	if !p.Level.Valid() {
		return 0, fmt.Errorf("%w: %d", aslr.ErrInvalidLevel, p.Level)
	}
	v := p.Target | uint64(p.Level)<<30 | p.Next<<51
	if p.Auth != nil {
		v |= uint64(p.Auth.Diversity)<<32 | uint64(p.Auth.Key&3)<<49 | 1<<63
		if p.Auth.AddrDiv {
			v |= 1 << 48
		}
	}
	return v, nil
}

func decodeChainedPointer(v uint64) chainedPointer {
	p := chainedPointer{
		Target: v & chainedMaxTarget,
		Level:  aslr.Level(v >> 30 & 3),
		Next:   v >> 51 & chainedMaxNext,
	}
	if v>>63 != 0 {
		p.Auth = &aslr.Auth{
			Diversity: uint16(v >> 32),
			AddrDiv:   v>>48&1 != 0,
			Key:       uint8(v >> 49 & 3),
		}
	}
	return p
}

// chainRegion converts every tracked slot of r to chained form and returns
// the page_start array of the region
func (ctx *buildContext) chainRegion(r *Region, locs []aslr.Location) ([]uint16, error) {
	ps := ctx.arch.pageSize
	starts := make([]uint16, r.Capacity/ps)
	for i := range starts {
		starts[i] = chainedPageStartNone
	}
	for i, loc := range locs {
		if loc.Offset%ctx.arch.stride != 0 {
			return nil, fmt.Errorf("%w: pointer at %s is not %d byte aligned", ErrMalformedFixup, loc, ctx.arch.stride)
		}
		page := loc.Offset / ps
		if loc.Offset%ps+pointerSize > ps {
			return nil, fmt.Errorf("%w: pointer at %s straddles a page boundary", ErrMalformedFixup, loc)
		}
		if starts[page] == chainedPageStartNone {
			starts[page] = uint16(loc.Offset % ps)
		}

		e, _ := ctx.tracker.Get(loc)
		val, err := r.readPointer(loc.Offset)
		if err != nil {
			return nil, err
		}
		base := ctx.levelBase[e.Level]
		if val < base {
			return nil, fmt.Errorf("%w: pointer at %s (%#x) is below the base of %s", ErrMalformedFixup, loc, val, e.Level)
		}
		p := chainedPointer{Target: val - base, Level: e.Level, Auth: e.Auth}
		if !ctx.arch.auth {
			p.Auth = nil
		}
		if i+1 < len(locs) && locs[i+1].Offset/ps == page {
			p.Next = (locs[i+1].Offset - loc.Offset) / ctx.arch.stride
		}
		raw, err := p.encode()
		if err != nil {
			return nil, fmt.Errorf("pointer at %s: %w", loc, err)
		}
		if err := r.writePointer(loc.Offset, raw); err != nil {
			return nil, err
		}
	}
	return starts, nil
}

// writeChainedFixups encodes every tracked pointer in place and writes the
// chained fixups blob to the end of the link-edit region
func (ctx *buildContext) writeChainedFixups() error {
	byRegion := make([][]aslr.Location, len(ctx.regions))
	for _, loc := range ctx.tracker.Locations() {
		if loc.Region < 0 || loc.Region >= len(ctx.regions) {
			return fmt.Errorf("%w: tracked slot %s has no region", ErrMalformedFixup, loc)
		}
		byRegion[loc.Region] = append(byRegion[loc.Region], loc)
	}

	var blob []byte
	put16 := func(v uint16) { blob = binary.LittleEndian.AppendUint16(blob, v) }
	put32 := func(v uint32) { blob = binary.LittleEndian.AppendUint32(blob, v) }
	pad := func() {
		for len(blob)%8 != 0 {
			blob = append(blob, 0)
		}
	}

	blob = make([]byte, chainedStartsOffset)
	put32(uint32(len(ctx.regions)))
	segInfo := len(blob)
	blob = append(blob, make([]byte, 4*len(ctx.regions))...)
	pad()

	for i, r := range ctx.regions {
		if len(byRegion[i]) == 0 {
			continue
		}
		starts, err := ctx.chainRegion(r, byRegion[i])
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(blob[segInfo+4*i:], uint32(len(blob)-chainedStartsOffset))
		put32(uint32(chainedSegmentSize + 2*len(starts)))
		put16(uint16(ctx.arch.pageSize))
		put16(ctx.arch.pointerFormat)
		blob = binary.LittleEndian.AppendUint64(blob, r.FileOffset)
		put32(0) // max_valid_pointer
		put16(uint16(len(starts)))
		for _, s := range starts {
			put16(s)
		}
		pad()
	}

	imports := uint32(len(blob))
	binary.LittleEndian.PutUint32(blob[0:], 0) // fixups_version
	binary.LittleEndian.PutUint32(blob[4:], chainedStartsOffset)
	binary.LittleEndian.PutUint32(blob[8:], imports)  // imports_offset
	binary.LittleEndian.PutUint32(blob[12:], imports) // symbols_offset
	binary.LittleEndian.PutUint32(blob[16:], 0)       // imports_count
	binary.LittleEndian.PutUint32(blob[20:], chainedImportsFormat)
	binary.LittleEndian.PutUint32(blob[24:], 0) // symbols_format
	blob = append(blob, make([]byte, chainedSymbolsPoolSize)...)

	linkedit := ctx.region(RegionLinkedit)
	off, err := linkedit.alloc(uint64(len(blob)), pointerSize)
	if err != nil {
		return fmt.Errorf("%w: chained fixups (%d bytes): %v", ErrSerialization, len(blob), err)
	}
	copy(linkedit.Data[off:], blob)
	ctx.chainedOff = linkedit.FileOffset + off
	ctx.chainedSize = uint64(len(blob))

	log.WithFields(log.Fields{
		"pointers": ctx.tracker.Len(),
		"size":     len(blob),
	}).Debug("Wrote chained fixups")
	return nil
}
