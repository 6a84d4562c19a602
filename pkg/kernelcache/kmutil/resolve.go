package kmutil

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

type trackedPointer struct {
	loc   aslr.Location
	level aslr.Level
	auth  *aslr.Auth
}

type branchRequest struct {
	region *Region
	addr   uint64
	level  aslr.Level
	target uint64
}

// moduleFixups is what one resolver worker hands the reduce step
type moduleFixups struct {
	pointers []trackedPointer
	pending  []*PendingBind
	branches []branchRequest
	bound    map[uint64]string
}

func toAuth(pa *inspect.PointerAuth) *aslr.Auth {
	if pa == nil {
		return nil
	}
	return &aslr.Auth{Diversity: pa.Diversity, AddrDiv: pa.AddrDiv, Key: pa.Key}
}

// rebaseTarget returns the output address and level a rebase points at
func (ctx *buildContext) rebaseTarget(m *Module, fx inspect.Fixup) (uint64, aslr.Level, error) {
	if fx.TargetIsOffset {
		if lvl := aslr.Level(fx.Level); fx.HasLevel && lvl != ctx.level {
			if !lvl.Valid() || int(lvl) >= len(ctx.parents) {
				return 0, 0, fmt.Errorf("%w: rebase at %#x targets level %d with no collection", ErrMalformedFixup, fx.Addr, fx.Level)
			}
			return ctx.levelBase[lvl] + fx.Target, lvl, nil
		}
		src := m.Image.PreferredLoadAddress() + fx.Target
		dst, ok := m.translate(src)
		if !ok {
			return 0, 0, fmt.Errorf("%w: rebase at %#x targets unmapped offset %#x", ErrMalformedFixup, fx.Addr, fx.Target)
		}
		return dst, ctx.level, nil
	}
	dst, ok := m.translate(fx.Target)
	if !ok {
		return 0, 0, fmt.Errorf("%w: rebase at %#x targets unmapped address %#x", ErrMalformedFixup, fx.Addr, fx.Target)
	}
	return dst, ctx.level, nil
}

// scanFixups resolves every fixup of one module. It writes resolved values
// into the module's own bytes and returns everything that touches shared
// state.
func (ctx *buildContext) scanFixups(m *Module) *moduleFixups {
	mf := &moduleFixups{bound: make(map[uint64]string)}
	auth := ctx.arch.auth

	type weakBind struct {
		r   *Region
		loc aslr.Location
		fx  inspect.Fixup
	}
	var weak []weakBind
	var testsSentinel bool

	addPointer := func(r *Region, loc aslr.Location, target uint64, level aslr.Level, pa *inspect.PointerAuth) error {
		if err := r.writePointer(loc.Offset, target); err != nil {
			return err
		}
		tp := trackedPointer{loc: loc, level: level}
		if auth {
			tp.auth = toAuth(pa)
		}
		mf.pointers = append(mf.pointers, tp)
		return nil
	}

	for fx, err := range m.Image.Fixups() {
		if err != nil {
			m.Diag().Errorf("%w: %v", ErrMalformedFixup, err)
			break
		}
		if fx.Symbol == unresolvedSymbol {
			testsSentinel = true
		}
		addr, ok := m.translate(fx.Addr)
		if !ok {
			m.Diag().Errorf("%w: %s at %#x is outside every mapped segment", ErrMalformedFixup, fx.Kind, fx.Addr)
			continue
		}
		r, ok := ctx.locate(addr)
		if !ok {
			m.Diag().Errorf("%w: %s at %#x has no region", ErrMalformedFixup, fx.Kind, addr)
			continue
		}
		loc := r.Location(addr)

		switch fx.Kind {
		case inspect.Rebase:
			target, level, err := ctx.rebaseTarget(m, fx)
			if err != nil {
				m.Diag().Error(err)
				continue
			}
			if err := addPointer(r, loc, target, level, fx.Auth); err != nil {
				m.Diag().Error(err)
			}
		case inspect.Bind:
			target, level, ok := ctx.resolveSymbol(m, fx.Symbol)
			switch {
			case ok:
				if err := addPointer(r, loc, target+uint64(fx.Addend), level, fx.Auth); err != nil {
					m.Diag().Error(err)
					continue
				}
				mf.bound[addr] = fx.Symbol
			case fx.Weak:
				weak = append(weak, weakBind{r: r, loc: loc, fx: fx})
			default:
				mf.pending = append(mf.pending, &PendingBind{
					Module:   m.ID,
					Symbol:   fx.Symbol,
					Addr:     addr,
					Location: loc,
					Auth:     fx.Auth,
				})
			}
		case inspect.Branch:
			var target uint64
			var level aslr.Level
			if fx.IsLocalBranch() {
				if target, ok = m.translate(fx.Target); !ok {
					m.Diag().Errorf("%w: branch at %#x targets unmapped address %#x", ErrMalformedFixup, fx.Addr, fx.Target)
					continue
				}
				level = ctx.level
			} else if target, level, ok = ctx.resolveSymbol(m, fx.Symbol); !ok {
				m.Diag().Errorf("%w: %s (branch at %#x)", ErrUndefinedSymbol, fx.Symbol, fx.Addr)
				continue
			}
			target += uint64(fx.Addend)
			if level != ctx.level {
				mf.branches = append(mf.branches, branchRequest{region: r, addr: addr, level: level, target: target})
				continue
			}
			if err := ctx.encodeBranch(r, loc.Offset, addr, target); err != nil {
				m.Diag().Error(err)
			}
		default:
			m.Diag().Errorf("%w: unknown fixup kind %d at %#x", ErrMalformedFixup, fx.Kind, fx.Addr)
		}
	}

	for _, w := range weak {
		if !testsSentinel {
			m.Diag().Errorf("%w: %s", ErrWeakWithoutTest, w.fx.Symbol)
			continue
		}
		target, level, ok := ctx.sentinel()
		if !ok {
			m.Diag().Errorf("%w: %s (kernel exports no %s)", ErrUndefinedSymbol, w.fx.Symbol, unresolvedSymbol)
			continue
		}
		if err := addPointer(w.r, w.loc, target, level, w.fx.Auth); err != nil {
			m.Diag().Error(err)
			continue
		}
		mf.bound[w.r.Addr+w.loc.Offset] = unresolvedSymbol
	}
	return mf
}

// resolveFixups runs one resolver worker per module, then merges their
// results into the tracker, the pending map and the trampolines in module
// order
func (ctx *buildContext) resolveFixups() error {
	fileset := ctx.fileset()
	results := make([]*moduleFixups, len(fileset))

	var eg errgroup.Group
	eg.SetLimit(ctx.workers)
	for i, m := range fileset {
		eg.Go(func() error {
			results[i] = ctx.scanFixups(m)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, m := range fileset {
		mf := results[i]
		for _, p := range mf.pointers {
			if err := ctx.tracker.Add(p.loc, p.level); err != nil {
				m.Diag().Error(err)
				continue
			}
			if p.auth != nil {
				ctx.tracker.SetAuth(p.loc, *p.auth)
			}
		}
		for _, pb := range mf.pending {
			ctx.pending[pb.Addr] = pb
		}
		maps.Copy(ctx.bound, mf.bound)
		if t, ok := ctx.tables[m.ID]; ok {
			maps.Copy(t.Bound, mf.bound)
		}
		for _, br := range mf.branches {
			t, err := ctx.trampoline(br.level, br.target)
			if err != nil {
				if errors.Is(err, ErrCapacity) {
					return err
				}
				m.Diag().Error(err)
				continue
			}
			if err := ctx.encodeBranch(br.region, br.addr-br.region.Addr, br.addr, t.StubAddr); err != nil {
				m.Diag().Error(err)
				continue
			}
			t.Sites = append(t.Sites, br.addr)
		}
	}

	log.WithFields(log.Fields{
		"pointers":    ctx.tracker.Len(),
		"pending":     len(ctx.pending),
		"trampolines": len(ctx.trampolines),
	}).Info("Resolved fixups")

	return ctx.failures()
}

// checkPending fails every module left with a bind nothing could resolve
func (ctx *buildContext) checkPending() error {
	if len(ctx.pending) == 0 {
		return nil
	}
	byID := make(map[string]*Module, len(ctx.modules))
	for _, m := range ctx.modules {
		byID[m.ID] = m
	}
	for _, addr := range slices.Sorted(maps.Keys(ctx.pending)) {
		pb := ctx.pending[addr]
		if m, ok := byID[pb.Module]; ok {
			m.Diag().Errorf("%w: %s (bind at %#x)", ErrUndefinedSymbol, pb.Symbol, pb.Addr)
		}
	}
	return ctx.failures()
}
