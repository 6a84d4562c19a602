package kmutil

import (
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/kcbuild/internal/utils"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

const (
	linkeditSegment  = "__LINKEDIT"
	userSectionAlign = 4 // log2
)

// minAlignment is the smallest start alignment of a module's segments
func (ctx *buildContext) minAlignment(m *Module) uint64 {
	switch {
	case m.Root:
		return ctx.arch.pageSize
	case ctx.kind == KindRoot:
		return moduleMinAlignment
	default:
		// add-on pages must be remappable one module at a time
		return ctx.arch.pageSize
	}
}

// newRegions instantiates the output regions in canonical order
func (ctx *buildContext) newRegions() ([]*Region, map[*Module]*Region, error) {
	var regions []*Region
	nonSplit := make(map[*Module]*Region)
	fixed := make(map[string]bool)
	for _, rr := range ctx.rules.Regions {
		if rr.Name != "" {
			fixed[rr.Name] = true
		}
	}
	for _, rr := range ctx.rules.Regions {
		switch rr.Kind {
		case RegionUser:
			var names []string
			for _, us := range ctx.opts.UserSections {
				if us.Segment == "" {
					return nil, nil, fmt.Errorf("user section %q has no segment name", us.Section)
				}
				if fixed[us.Segment] {
					return nil, nil, fmt.Errorf("%w: user segment %s collides with a built-in region", ErrUnsupported, us.Segment)
				}
				if !slices.Contains(names, us.Segment) {
					names = append(names, us.Segment)
				}
			}
			for _, name := range names {
				regions = append(regions, &Region{Name: name, Kind: RegionUser, InitProt: rr.prot, MaxProt: rr.prot})
			}
		case RegionNonSplit:
			var n int
			for _, m := range ctx.fileset() {
				if m.packable() {
					continue
				}
				r := &Region{
					Name:     fmt.Sprintf("__REGION%d", n),
					Kind:     RegionNonSplit,
					InitProt: rr.prot,
					MaxProt:  rr.prot,
					Module:   m,
				}
				nonSplit[m] = r
				regions = append(regions, r)
				n++
			}
		default:
			regions = append(regions, &Region{Name: rr.Name, Kind: rr.Kind, InitProt: rr.prot, MaxProt: rr.prot})
		}
	}
	if len(nonSplit) > 0 && ctx.rules.rule(RegionNonSplit) == nil {
		return nil, nil, fmt.Errorf("%w: modules without split segment info need a non_split region", ErrUnsupported)
	}
	return regions, nonSplit, nil
}

func kindRegion(regions []*Region, kind RegionKind) *Region {
	for _, r := range regions {
		if r.Kind == kind {
			return r
		}
	}
	return nil
}

func mappingSize(m *Module, seg inspect.Segment) uint64 {
	if seg.Name == linkeditSegment {
		if m.Strip == StripAll {
			return 0
		}
		return seg.FileSize
	}
	return seg.Size
}

func newMapping(m *Module, seg inspect.Segment) *SegmentMapping {
	size := mappingSize(m, seg)
	return &SegmentMapping{
		Segment:  seg,
		Size:     size,
		CopySize: min(uint64(len(seg.Data)), seg.FileSize, size),
	}
}

// placePacked packs a module's segments into the shared regions
func (ctx *buildContext) placePacked(m *Module, regions []*Region) {
	minAlign := ctx.minAlignment(m)
	for seg := range m.Image.Segments() {
		mp := newMapping(m, seg)
		m.Mappings = append(m.Mappings, mp)
		if mp.Size == 0 {
			continue
		}
		kind, err := ctx.rules.Classify(seg, m.Root && ctx.kind == KindRoot)
		if err != nil {
			m.Diag().Error(err)
			continue
		}
		r := kindRegion(regions, kind)
		if r == nil {
			m.Diag().Errorf("segment %s routed to region kind %s which is not laid out", seg.Name, kind)
			continue
		}
		off, _ := r.alloc(mp.Size, max(seg.Align, minAlign))
		mp.Region = r
		mp.RegionOffset = off
	}
}

// placeNonSplit keeps the relative layout of a module that cannot be split
// across regions; only its link-edit is packed with everyone else's
func (ctx *buildContext) placeNonSplit(m *Module, r, linkedit *Region) {
	var segs []inspect.Segment
	first := ^uint64(0)
	for seg := range m.Image.Segments() {
		segs = append(segs, seg)
		if seg.Name != linkeditSegment && seg.Size > 0 {
			first = min(first, seg.Addr)
		}
	}
	for _, seg := range segs {
		mp := newMapping(m, seg)
		m.Mappings = append(m.Mappings, mp)
		if mp.Size == 0 {
			continue
		}
		if seg.Name == linkeditSegment {
			off, _ := linkedit.alloc(mp.Size, max(seg.Align, ctx.minAlignment(m)))
			mp.Region = linkedit
			mp.RegionOffset = off
			continue
		}
		mp.Region = r
		mp.RegionOffset = seg.Addr - first
		r.Used = max(r.Used, mp.RegionOffset+mp.Size)
	}
}

type branchSymbol struct {
	name   string
	addend int64
}

// branchSymbolCount is the upper bound of trampolines an add-on may need.
// Trampolines are keyed by final target, so each (symbol, addend) pair may
// need its own.
func (ctx *buildContext) branchSymbolCount() int {
	if ctx.kind == KindRoot {
		return 0
	}
	fileset := ctx.fileset()
	syms := make([][]branchSymbol, len(fileset))
	var eg errgroup.Group
	eg.SetLimit(ctx.workers)
	for i, m := range fileset {
		eg.Go(func() error {
			for fx, err := range m.Image.Fixups() {
				if err != nil {
					m.Diag().Errorf("%w: %v", ErrMalformedFixup, err)
					return nil
				}
				if fx.Kind == inspect.Branch && fx.Symbol != "" {
					syms[i] = append(syms[i], branchSymbol{name: fx.Symbol, addend: fx.Addend})
				}
			}
			return nil
		})
	}
	eg.Wait()
	uniq := make(map[branchSymbol]bool)
	for _, ss := range syms {
		for _, s := range ss {
			uniq[s] = true
		}
	}
	return len(uniq)
}

// layout assigns every source segment a region and offset, sizes every
// region, then assigns addresses once the header size is known
func (ctx *buildContext) layout() error {
	ps := ctx.arch.pageSize

	regions, nonSplit, err := ctx.newRegions()
	if err != nil {
		return err
	}
	linkedit := kindRegion(regions, RegionLinkedit)

	/* pass one: region sizes */
	for _, m := range ctx.fileset() {
		if r, ok := nonSplit[m]; ok {
			ctx.placeNonSplit(m, r, linkedit)
		} else {
			ctx.placePacked(m, regions)
		}
	}
	if err := ctx.failures(); err != nil {
		return err
	}

	for _, us := range ctx.opts.UserSections {
		r := slices.IndexFunc(regions, func(r *Region) bool { return r.Kind == RegionUser && r.Name == us.Segment })
		off, _ := regions[r].alloc(uint64(len(us.Data)), 1<<userSectionAlign)
		ctx.userData = append(ctx.userData, placedData{region: regions[r], offset: off, data: us.Data})
		if us.Section != "" {
			regions[r].Sections = append(regions[r].Sections, OutputSection{
				Name:   us.Section,
				Offset: off,
				Size:   uint64(len(us.Data)),
				Align:  userSectionAlign,
			})
		}
	}

	n := ctx.branchSymbolCount()
	if err := ctx.failures(); err != nil {
		return err
	}
	if stubs := kindRegion(regions, RegionBranchStubs); stubs != nil {
		stubs.reserve = uint64(n) * ctx.arch.stubSize
	}
	if gots := kindRegion(regions, RegionBranchGOTs); gots != nil {
		gots.reserve = uint64(n) * pointerSize
	}

	prelink := kindRegion(regions, RegionPrelinkInfo)
	dat, err := ctx.encodePrelinkInfo(nil)
	if err != nil {
		return err
	}
	ctx.prelinkEstim = uint64(len(dat))
	prelink.reserve = ctx.prelinkEstim
	prelink.Sections = []OutputSection{{Name: "__info", Size: ctx.prelinkEstim}}

	var pages []uint64
	segCount := 0
	for _, r := range regions {
		if r.Kind == RegionHeader || r.Kind == RegionLinkedit {
			segCount++
			continue
		}
		r.Capacity = alignUp(r.Used+r.reserve, ps)
		if r.Capacity > 0 {
			segCount++
			pages = append(pages, r.Capacity/ps)
		}
	}
	linkedit.reserve = chainedFixupsSize(segCount, pages)
	linkedit.Capacity = alignUp(alignUp(linkedit.Used, pointerSize)+linkedit.reserve, ps)

	regions = slices.DeleteFunc(regions, func(r *Region) bool {
		return r.Kind != RegionHeader && r.Capacity == 0
	})
	for i, r := range regions {
		r.Index = i
	}
	ctx.regions = regions

	/* pass two: header size, then addresses */
	header := kindRegion(regions, RegionHeader)
	ctx.headerSize = headerSize(regions, ctx.fileset())
	header.Used = ctx.headerSize
	header.Capacity = alignUp(ctx.headerSize, ps)

	addr := ctx.base
	for _, r := range regions {
		r.Addr = addr
		r.FileOffset = addr - ctx.base
		addr += r.Capacity
	}
	total := addr - ctx.base
	if limit := ctx.arch.maxSize(ctx.kind); total > limit {
		return fmt.Errorf("%w: collection is %s, the limit is %s", ErrCapacity, humanize.IBytes(total), humanize.IBytes(limit))
	}

	for _, m := range ctx.fileset() {
		for _, mp := range m.Mappings {
			if mp.Region == nil {
				continue
			}
			mp.Addr = mp.Region.Addr + mp.RegionOffset
			mp.FileOffset = mp.Region.FileOffset + mp.RegionOffset
		}
	}

	ctx.buf = make([]byte, total)
	for _, r := range regions {
		r.Data = ctx.buf[r.FileOffset : r.FileOffset+r.Capacity : r.FileOffset+r.Capacity]
		utils.Indent(log.Debug, 2)(r.String())
	}

	log.WithFields(log.Fields{
		"regions": len(regions),
		"base":    fmt.Sprintf("%#x", ctx.base),
		"size":    humanize.IBytes(total),
	}).Info("Laid out collection")

	return nil
}
