package kmutil

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/apex/log"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

// VTableEntry is one method slot of a v-table
type VTableEntry struct {
	Addr    uint64 // slot location
	Target  uint64
	Level   aslr.Level
	Symbol  string
	Auth    *aslr.Auth
	Pending bool
}

// VTable is a C++ v-table the builder has seen, patched or not
type VTable struct {
	Name    string
	Class   string
	Owner   string
	Level   aslr.Level
	Addr    uint64
	Super   *VTable
	Entries []VTableEntry
	Patched bool
	// Order is the patch sequence number
	Order int
}

func (v *VTable) String() string {
	return fmt.Sprintf("%s (%s) %s %#x [%d slots]", v.Name, v.Owner, v.Level, v.Addr, len(v.Entries))
}

type vtableKey struct {
	level aslr.Level
	addr  uint64
}

type vtableRegistry struct {
	vtables map[vtableKey]*VTable
	next    int
}

func newVTableRegistry() *vtableRegistry {
	return &vtableRegistry{vtables: make(map[vtableKey]*VTable)}
}

func (r *vtableRegistry) get(k vtableKey) *VTable { return r.vtables[k] }

func (r *vtableRegistry) add(v *VTable) {
	v.Order = r.next
	r.next++
	r.vtables[vtableKey{level: v.Level, addr: v.Addr}] = v
}

// ordered returns every registered v-table in the order it was patched
func (r *vtableRegistry) ordered() []*VTable {
	return slices.SortedFunc(maps.Values(r.vtables), func(a, b *VTable) int { return a.Order - b.Order })
}

// vtableRef names a v-table symbol at a level
type vtableRef struct {
	name  string
	owner string
	key   vtableKey
}

type vtableJob struct {
	module *Module
	class  string
	child  vtableRef
	super  *vtableRef // nil for the root of a hierarchy
}

func lookupVTableIn(t *SymbolTable, names []string) (vtableRef, bool) {
	for _, n := range names {
		if addr, ok := t.find(n); ok {
			return vtableRef{name: n, owner: t.Owner, key: vtableKey{level: t.Level, addr: addr}}, true
		}
	}
	return vtableRef{}, false
}

// childVTable finds a class's own v-table: the module itself first, then its
// dependencies
func (ctx *buildContext) childVTable(m *Module, names []string) (vtableRef, bool) {
	if ref, ok := lookupVTableIn(ctx.tables[m.ID], names); ok {
		return ref, true
	}
	for _, t := range ctx.depTables[m.ID] {
		if ref, ok := lookupVTableIn(t, names); ok {
			return ref, true
		}
	}
	return vtableRef{}, false
}

// superVTable finds a superclass v-table: dependencies first, then the
// module, then everything at the superclass level and the module's level
func (ctx *buildContext) superVTable(m *Module, names []string, level aslr.Level) (vtableRef, bool) {
	for _, t := range ctx.depTables[m.ID] {
		if ref, ok := lookupVTableIn(t, names); ok {
			return ref, true
		}
	}
	if ref, ok := lookupVTableIn(ctx.tables[m.ID], names); ok {
		return ref, true
	}
	for _, lvl := range []aslr.Level{level, ctx.level} {
		for _, t := range ctx.levelTables[lvl] {
			if ref, ok := lookupVTableIn(t, names); ok {
				return ref, true
			}
		}
	}
	return vtableRef{}, false
}

// metaClasses maps meta-class instance addresses to class identifiers
func (ctx *buildContext) metaClasses() [aslr.MaxLevels]map[uint64]string {
	var mcs [aslr.MaxLevels]map[uint64]string
	for lvl := range mcs {
		mcs[lvl] = make(map[uint64]string)
		for _, t := range ctx.levelTables[lvl] {
			for _, syms := range []map[string]uint64{t.Exports, t.Locals} {
				for name, addr := range syms {
					if class, ok := ctx.abi.ClassNameFromMetaClassSymbol(name); ok {
						mcs[lvl][addr] = class
					}
				}
			}
		}
	}
	return mcs
}

// superPointer reads the resolved superclass pointer stored at addr
func (ctx *buildContext) superPointer(addr uint64) (uint64, aslr.Level, error) {
	r, ok := ctx.locate(addr)
	if !ok {
		return 0, 0, fmt.Errorf("superclass pointer %#x is not mapped", addr)
	}
	loc := r.Location(addr)
	level, ok := ctx.tracker.Has(loc)
	if !ok {
		if pb, pending := ctx.pending[addr]; pending {
			return 0, 0, fmt.Errorf("%w: superclass pointer %#x binds unresolved %s", ErrUndefinedSymbol, addr, pb.Symbol)
		}
		return 0, 0, fmt.Errorf("superclass pointer %#x has no fixup", addr)
	}
	val, err := r.readPointer(loc.Offset)
	if err != nil {
		return 0, 0, err
	}
	return val, level, nil
}

// vtableJobs discovers every class defined by a current module through its
// superclass pointer symbol and plans the patching of its class and
// meta-class v-tables
func (ctx *buildContext) vtableJobs() []*vtableJob {
	metaClasses := ctx.metaClasses()
	var jobs []*vtableJob
	seen := make(map[vtableKey]bool)

	add := func(j *vtableJob) {
		if j.child.key.level != ctx.level {
			log.WithField("module", j.module.ID).Debugf("Skipping %s, it lives in %s", j.child.name, j.child.key.level)
			return
		}
		if seen[j.child.key] {
			return
		}
		seen[j.child.key] = true
		jobs = append(jobs, j)
	}

	for _, m := range ctx.fileset() {
		t := ctx.tables[m.ID]
		var supers []string
		for _, syms := range []map[string]uint64{t.Exports, t.Locals} {
			for name := range syms {
				if _, ok := ctx.abi.ClassNameFromSuperPointerSymbol(name); ok {
					supers = append(supers, name)
				}
			}
		}
		slices.Sort(supers)
		supers = slices.Compact(supers)

		for _, sym := range supers {
			class, _ := ctx.abi.ClassNameFromSuperPointerSymbol(sym)
			child, ok := ctx.childVTable(m, ctx.abi.VTableSymbolsForClass(class))
			if !ok {
				log.WithField("module", m.ID).Debugf("No v-table for class %s", ctx.abi.Demangle(class))
				continue
			}
			metaName := ctx.abi.MetaClassVTableSymbolForClass(class)
			metaChild, hasMeta := ctx.childVTable(m, []string{metaName})

			if ctx.abi.IsRootClass(class) {
				add(&vtableJob{module: m, class: class, child: child})
				if hasMeta {
					j := &vtableJob{module: m, class: class, child: metaChild}
					if ref, ok := ctx.superVTable(m, []string{ctx.abi.MetaClassRootVTableSymbol()}, ctx.level); ok {
						j.super = &ref
					}
					add(j)
				}
				continue
			}

			addr, _ := t.find(sym)
			ptr, level, err := ctx.superPointer(addr)
			if err != nil {
				m.Diag().Errorf("%w: class %s: %v", ErrMalformedVTable, ctx.abi.Demangle(class), err)
				continue
			}
			superClass, ok := metaClasses[level][ptr]
			if !ok {
				m.Diag().Errorf("%w: superclass pointer of %s (%#x) does not point at a meta-class", ErrMalformedVTable, ctx.abi.Demangle(class), ptr)
				continue
			}
			super, ok := ctx.superVTable(m, ctx.abi.VTableSymbolsForClass(superClass), level)
			if !ok {
				m.Diag().Errorf("%w: no v-table for %s, superclass of %s", ErrMalformedVTable, ctx.abi.Demangle(superClass), ctx.abi.Demangle(class))
				continue
			}
			add(&vtableJob{module: m, class: class, child: child, super: &super})

			if hasMeta {
				if superMeta, ok := ctx.superVTable(m, []string{ctx.abi.MetaClassVTableSymbolForClass(superClass)}, level); ok {
					add(&vtableJob{module: m, class: class, child: metaChild, super: &superMeta})
				} else {
					log.WithField("module", m.ID).Debugf("No meta-class v-table for %s", ctx.abi.Demangle(superClass))
				}
			}
		}
	}
	return jobs
}

// parentFixup returns the existing fixup of a parent collection at addr
func (p *parentCollection) parentFixup(addr uint64) (inspect.Fixup, bool, error) {
	if p.fixups == nil {
		p.fixups = make(map[uint64]inspect.Fixup)
		for fx, err := range p.image.Fixups() {
			if err != nil {
				p.fixups = nil
				return inspect.Fixup{}, false, fmt.Errorf("failed to read fixups of %s: %w", p.name(), err)
			}
			p.fixups[fx.Addr] = fx
		}
	}
	fx, ok := p.fixups[addr]
	return fx, ok, nil
}

// parentEntries reads a v-table of a parent collection from its fixups
func (ctx *buildContext) parentEntries(ref vtableRef) ([]VTableEntry, error) {
	p := ctx.parents[ref.key.level]
	var entries []VTableEntry
	for slot := ref.key.addr + ctx.abi.VTableHeaderSize(); ; slot += pointerSize {
		fx, ok, err := p.parentFixup(slot)
		if err != nil {
			return nil, err
		}
		if !ok || fx.Kind != inspect.Rebase {
			break
		}
		e := VTableEntry{Addr: slot, Target: fx.Target, Level: ref.key.level, Auth: toAuth(fx.Auth)}
		if fx.HasLevel {
			e.Level = aslr.Level(fx.Level)
		}
		if fx.TargetIsOffset {
			if !e.Level.Valid() {
				return nil, fmt.Errorf("%w: %s slot %#x targets level %d", ErrMalformedFixup, ref.name, slot, fx.Level)
			}
			e.Target = ctx.levelBase[e.Level] + fx.Target
		}
		e.Symbol = ctx.symbolAt(e.Level, e.Target)
		entries = append(entries, e)
	}
	return entries, nil
}

// currentEntries reads a v-table of this collection from the output buffer.
// Slots end at the first word that is neither a tracked pointer nor a
// pending bind.
func (ctx *buildContext) currentEntries(ref vtableRef) []VTableEntry {
	var entries []VTableEntry
	for slot := ref.key.addr + ctx.abi.VTableHeaderSize(); ; slot += pointerSize {
		r, ok := ctx.locate(slot)
		if !ok {
			break
		}
		loc := r.Location(slot)
		if pb, ok := ctx.pending[slot]; ok {
			entries = append(entries, VTableEntry{Addr: slot, Symbol: pb.Symbol, Auth: toAuth(pb.Auth), Pending: true})
			continue
		}
		te, ok := ctx.tracker.Get(loc)
		if !ok {
			break
		}
		val, err := r.readPointer(loc.Offset)
		if err != nil {
			break
		}
		e := VTableEntry{Addr: slot, Target: val, Level: te.Level, Auth: te.Auth}
		if name, ok := ctx.bound[slot]; ok {
			e.Symbol = name
		} else {
			e.Symbol = ctx.symbolAt(te.Level, val)
		}
		entries = append(entries, e)
	}
	return entries
}

func (ctx *buildContext) newVTable(ref vtableRef, class string) (*VTable, error) {
	v := &VTable{
		Name:  ref.name,
		Class: class,
		Owner: ref.owner,
		Level: ref.key.level,
		Addr:  ref.key.addr,
	}
	if ref.key.level == ctx.level {
		v.Entries = ctx.currentEntries(ref)
		return v, nil
	}
	entries, err := ctx.parentEntries(ref)
	if err != nil {
		return nil, err
	}
	v.Entries = entries
	return v, nil
}

// inheritSlot copies a parent slot into the child slot at index i
func (ctx *buildContext) inheritSlot(child *VTable, i int, pe VTableEntry) error {
	ce := &child.Entries[i]
	r, ok := ctx.locate(ce.Addr)
	if !ok {
		return fmt.Errorf("%w: slot %#x of %s is not mapped", ErrMalformedVTable, ce.Addr, child.Name)
	}
	loc := r.Location(ce.Addr)
	if err := r.writePointer(loc.Offset, pe.Target); err != nil {
		return err
	}
	if err := ctx.tracker.Add(loc, pe.Level); err != nil {
		return err
	}
	if ctx.arch.auth {
		auth := ce.Auth
		if auth == nil {
			auth = pe.Auth
		}
		if auth == nil {
			if div, ok := ctx.abi.MethodDiscriminator(pe.Symbol); ok {
				auth = &aslr.Auth{Diversity: div, AddrDiv: true}
			}
		}
		if auth != nil {
			if err := ctx.tracker.SetAuth(loc, *auth); err != nil {
				return err
			}
			ce.Auth = auth
		}
	}
	delete(ctx.pending, ce.Addr)
	ctx.bound[ce.Addr] = pe.Symbol
	ce.Target = pe.Target
	ce.Level = pe.Level
	ce.Symbol = pe.Symbol
	ce.Pending = false
	return nil
}

// patchVTable resolves the child's slots against its already patched parent
func (ctx *buildContext) patchVTable(child, super *VTable) error {
	if len(child.Entries) < len(super.Entries) {
		return fmt.Errorf("%w: %s has %d slots but its parent %s has %d",
			ErrMalformedVTable, child.Name, len(child.Entries), super.Name, len(super.Entries))
	}
	pure := ctx.abi.PureVirtualSymbol()
	for i, pe := range super.Entries {
		if pe.Symbol == pure {
			continue
		}
		ce := child.Entries[i]
		if !ce.Pending && (ce.Symbol == "" || ce.Symbol != pe.Symbol) {
			continue
		}
		if err := ctx.inheritSlot(child, i, pe); err != nil {
			return err
		}
	}
	child.Super = super
	child.Patched = true
	return nil
}

// patchVTables patches every v-table of this collection in hierarchy order:
// a child is patched only once its parent is
func (ctx *buildContext) patchVTables() error {
	ctx.vtables = newVTableRegistry()
	jobs := ctx.vtableJobs()
	if err := ctx.failures(); err != nil {
		return err
	}

	planned := make(map[vtableKey]bool, len(jobs))
	for _, j := range jobs {
		planned[j.child.key] = true
	}

	// base returns the patched parent of a job, or nil if it is not ready
	base := func(j *vtableJob) (*VTable, error) {
		if sv := ctx.vtables.get(j.super.key); sv != nil {
			return sv, nil
		}
		if j.super.key.level == ctx.level && planned[j.super.key] {
			return nil, nil
		}
		// a parent level v-table, or one of ours nobody derives a hierarchy
		// for; either way it is final as is
		sv, err := ctx.newVTable(*j.super, "")
		if err != nil {
			return nil, err
		}
		sv.Patched = true
		ctx.vtables.add(sv)
		return sv, nil
	}

	for len(jobs) > 0 {
		var waiting []*vtableJob
		for _, j := range jobs {
			var sv *VTable
			if j.super != nil {
				var err error
				if sv, err = base(j); err != nil {
					j.module.Diag().Error(err)
					delete(planned, j.child.key)
					continue
				}
				if sv == nil {
					waiting = append(waiting, j)
					continue
				}
			}
			child, err := ctx.newVTable(j.child, j.class)
			if err != nil {
				j.module.Diag().Error(err)
				delete(planned, j.child.key)
				continue
			}
			if sv != nil {
				if err := ctx.patchVTable(child, sv); err != nil {
					j.module.Diag().Error(err)
					delete(planned, j.child.key)
					continue
				}
			} else {
				child.Patched = true
			}
			ctx.vtables.add(child)
			log.WithField("module", j.module.ID).Debugf("Patched %s", child)
		}
		if len(waiting) == len(jobs) {
			var names []string
			for _, j := range waiting {
				names = append(names, j.child.name)
			}
			err := fmt.Errorf("%w: %s", ErrVTableCycle, strings.Join(names, ", "))
			for _, j := range waiting {
				j.module.Diag().Error(err)
			}
			break
		}
		jobs = waiting
	}

	log.WithField("vtables", len(ctx.vtables.vtables)).Info("Patched vtables")
	return ctx.failures()
}
