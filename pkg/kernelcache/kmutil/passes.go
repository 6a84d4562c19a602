package kmutil

import (
	"fmt"
	"slices"

	"github.com/apex/log"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
)

// PostLinkPass rewrites a fully linked collection. A pass must preserve what
// every pointer and branch semantically targets and must never grow a
// region's used size.
type PostLinkPass interface {
	Name() string
	Run(*PassContext) error
}

// PassContext is what a post-link pass may inspect and rewrite
type PassContext struct {
	Arch              string
	Level             aslr.Level
	Regions           []*Region
	Tracker           *aslr.Tracker
	Trampolines       []*Trampoline
	SharedSlideLevels []aslr.Level
	Modules           []*Module

	ctx *buildContext
}

// SharesSlide reports whether level slides together with the collection
func (pc *PassContext) SharesSlide(level aslr.Level) bool {
	return level == pc.Level || slices.Contains(pc.SharedSlideLevels, level)
}

// InBranchRange reports whether a direct branch at site can reach target
func (pc *PassContext) InBranchRange(site, target uint64) bool {
	return branchInRange(pc.ctx.arch.isX86(), site, target)
}

// RetargetBranch re-encodes the branch instruction at site to target
func (pc *PassContext) RetargetBranch(site, target uint64) error {
	r, ok := pc.ctx.locate(site)
	if !ok {
		return fmt.Errorf("branch site %#x is not mapped", site)
	}
	return pc.ctx.encodeBranch(r, site-r.Addr, site, target)
}

// ClearPointer untracks and zeroes the pointer slot at addr
func (pc *PassContext) ClearPointer(addr uint64) error {
	r, ok := pc.ctx.locate(addr)
	if !ok {
		return fmt.Errorf("pointer %#x is not mapped", addr)
	}
	loc := r.Location(addr)
	pc.Tracker.Remove(loc)
	return r.writePointer(loc.Offset, 0)
}

// StubEliminator turns calls through a trampoline into direct branches when
// the target collection slides with this one and the target is in range
type StubEliminator struct{}

func (StubEliminator) Name() string { return "stub elimination" }

func (StubEliminator) Run(pc *PassContext) error {
	var eliminated int
	for _, t := range pc.Trampolines {
		if t.Eliminated || !pc.SharesSlide(t.Level) {
			continue
		}
		if !slices.ContainsFunc(t.Sites, func(site uint64) bool { return !pc.InBranchRange(site, t.Target) }) {
			for _, site := range t.Sites {
				if err := pc.RetargetBranch(site, t.Target); err != nil {
					return err
				}
			}
			if err := pc.ClearPointer(t.GOTAddr); err != nil {
				return err
			}
			t.Eliminated = true
			eliminated++
		}
	}
	if eliminated > 0 {
		log.Debugf("Eliminated %d of %d branch stubs", eliminated, len(pc.Trampolines))
	}
	return nil
}

func (ctx *buildContext) runPasses() error {
	passes := ctx.opts.Passes
	if passes == nil {
		passes = []PostLinkPass{StubEliminator{}}
	}
	pc := &PassContext{
		Arch:              ctx.arch.name,
		Level:             ctx.level,
		Regions:           ctx.regions,
		Tracker:           ctx.tracker,
		Trampolines:       ctx.trampolines,
		SharedSlideLevels: ctx.opts.SharedSlideParents,
		Modules:           ctx.fileset(),
		ctx:               ctx,
	}
	for _, p := range passes {
		used := make([]uint64, len(ctx.regions))
		for i, r := range ctx.regions {
			used[i] = r.Used
		}
		if err := p.Run(pc); err != nil {
			return fmt.Errorf("post-link pass %s: %w", p.Name(), err)
		}
		for i, r := range ctx.regions {
			if r.Used > used[i] {
				return fmt.Errorf("%w: post-link pass %s grew region %s from %#x to %#x bytes", ErrCapacity, p.Name(), r.Name, used[i], r.Used)
			}
		}
	}
	return nil
}
