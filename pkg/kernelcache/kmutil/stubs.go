package kmutil

import (
	"fmt"

	"github.com/apex/log"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
)

// Trampoline is a branch stub plus GOT slot that carries a direct branch
// into a collection that slides independently of this one
type Trampoline struct {
	Level    aslr.Level
	Target   uint64
	StubAddr uint64
	GOTAddr  uint64
	// Sites are the branch instructions routed through the stub
	Sites []uint64
	// Eliminated is set once every site branches to Target directly
	Eliminated bool
}

func (t *Trampoline) String() string {
	return fmt.Sprintf("stub %#x -> got %#x -> %#x (%s, %d sites)", t.StubAddr, t.GOTAddr, t.Target, t.Level, len(t.Sites))
}

type trampolineKey struct {
	level  aslr.Level
	target uint64
}

// trampoline returns the trampoline of (level, target), allocating its stub
// and GOT slot on first use
func (ctx *buildContext) trampoline(level aslr.Level, target uint64) (*Trampoline, error) {
	key := trampolineKey{level: level, target: target}
	if t, ok := ctx.trampIndex[key]; ok {
		return t, nil
	}

	stubs := ctx.region(RegionBranchStubs)
	gots := ctx.region(RegionBranchGOTs)
	if stubs == nil || gots == nil {
		return nil, fmt.Errorf("%w: cross level branch to %#x needs branch stub and GOT regions", ErrUnsupported, target)
	}
	soff, err := stubs.alloc(ctx.arch.stubSize, ctx.arch.stride)
	if err != nil {
		return nil, err
	}
	goff, err := gots.alloc(pointerSize, pointerSize)
	if err != nil {
		return nil, err
	}

	t := &Trampoline{
		Level:    level,
		Target:   target,
		StubAddr: stubs.Addr + soff,
		GOTAddr:  gots.Addr + goff,
	}
	if err := gots.writePointer(goff, target); err != nil {
		return nil, err
	}
	if err := ctx.tracker.Add(gots.Location(t.GOTAddr), level); err != nil {
		return nil, err
	}
	code, err := ctx.stubCode(t.StubAddr, t.GOTAddr)
	if err != nil {
		return nil, err
	}
	copy(stubs.Data[soff:], code)

	ctx.trampIndex[key] = t
	ctx.trampolines = append(ctx.trampolines, t)
	log.Debugf("Allocated trampoline %s", t)
	return t, nil
}
