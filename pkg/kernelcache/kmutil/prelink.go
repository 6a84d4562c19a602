package kmutil

import (
	"fmt"
	"math"

	"github.com/blacktop/go-plist"
	"github.com/google/uuid"
)

// prelinkModules returns the modules listed in the directory in load order
// (dependencies first). The kernel of a root collection is not listed.
func (ctx *buildContext) prelinkModules() []*Module {
	byID := make(map[string]*Module, len(ctx.modules))
	for _, m := range ctx.modules {
		byID[m.ID] = m
	}
	var mods []*Module
	for _, id := range ctx.loadOrder {
		if m, ok := byID[id]; ok && !m.Root {
			mods = append(mods, m)
			delete(byID, id)
		}
	}
	// modules the graph never saw keep layout order
	for _, m := range ctx.modules {
		if _, ok := byID[m.ID]; ok && !m.Root {
			mods = append(mods, m)
		}
	}
	return mods
}

// encodePrelinkInfo renders the __PRELINK_INFO,__info document. A nil id
// renders worst case placeholders so the result can size the region.
func (ctx *buildContext) encodePrelinkInfo(id *uuid.UUID) ([]byte, error) {
	var kcid uuid.UUID
	if id != nil {
		kcid = *id
	}

	var dicts []any
	for _, m := range ctx.prelinkModules() {
		extra := map[string]any{infoPrelinkBundle: m.Path}
		if m.HasCode() {
			addr, size := uint64(math.MaxUint64), uint64(math.MaxUint64)
			if id != nil {
				addr, size = m.EntryAddr(), m.Size()
			}
			extra[infoPrelinkLoadAddr] = addr
			extra[infoPrelinkExecSize] = size
		}
		info := m.Info
		if info == nil {
			info = Info{infoBundleID: m.ID}
		}
		dicts = append(dicts, map[string]any(info.Augment(extra)))
	}

	doc := make(map[string]any, len(ctx.opts.ExtraDirectoryEntries)+2)
	for k, v := range ctx.opts.ExtraDirectoryEntries {
		doc[k] = v
	}
	doc[infoPrelinkDict] = dicts
	doc[infoPrelinkKCID] = kcid[:]

	dat, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode prelink info: %v", ErrSerialization, err)
	}
	return dat, nil
}

// writePrelinkInfo renders the directory into its reserved region
func (ctx *buildContext) writePrelinkInfo(id *uuid.UUID) error {
	dat, err := ctx.encodePrelinkInfo(id)
	if err != nil {
		return err
	}
	r := ctx.region(RegionPrelinkInfo)
	if uint64(len(dat)) > ctx.prelinkEstim {
		return fmt.Errorf("%w: prelink info is %d bytes, %d were reserved", ErrSerialization, len(dat), ctx.prelinkEstim)
	}
	if ctx.prelinkSize != 0 && uint64(len(dat)) != ctx.prelinkSize {
		return fmt.Errorf("%w: prelink info changed size from %d to %d bytes", ErrSerialization, ctx.prelinkSize, len(dat))
	}
	clear(r.Data[:ctx.prelinkEstim])
	copy(r.Data, dat)
	r.Used = max(r.Used, uint64(len(dat)))
	ctx.prelinkSize = uint64(len(dat))
	return nil
}
