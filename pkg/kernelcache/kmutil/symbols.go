package kmutil

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

const (
	kernelID          = "com.apple.kernel"
	unresolvedSymbol  = "_gOSKextUnresolved"
	symbolSetsSegment = "__LINKINFO"
	symbolSetsSection = "__symbolsets"
)

// SymbolTable is the symbol view of one module (or of one module of a parent
// collection) at a fixed level
type SymbolTable struct {
	Owner         string
	Level         aslr.Level
	Exports       map[string]uint64
	Locals        map[string]uint64
	AppleInternal bool
	// Restricted is the published export set of an Apple internal module;
	// nil means every export is visible
	Restricted *exportSet
	// Bound maps bind locations to the symbol they were bound to
	Bound map[uint64]string

	module *Module
}

func newSymbolTable(owner string, level aslr.Level) *SymbolTable {
	return &SymbolTable{
		Owner:         owner,
		Level:         level,
		Exports:       make(map[string]uint64),
		Locals:        make(map[string]uint64),
		AppleInternal: isAppleInternal(owner),
		Bound:         make(map[uint64]string),
	}
}

// Lookup returns the address of an export visible to the importer
func (t *SymbolTable) Lookup(name string, importerAppleInternal bool) (uint64, bool) {
	addr, ok := t.Exports[name]
	if !ok {
		return 0, false
	}
	if t.AppleInternal && !importerAppleInternal && t.Restricted != nil && !t.Restricted.contains(name) {
		return 0, false
	}
	return addr, true
}

// find looks a symbol up in exports then locals, ignoring visibility
func (t *SymbolTable) find(name string) (uint64, bool) {
	if addr, ok := t.Exports[name]; ok {
		return addr, true
	}
	addr, ok := t.Locals[name]
	return addr, ok
}

// exportSet is a set of symbol names and name prefixes
type exportSet struct {
	names    map[string]bool
	prefixes []string
}

func newExportSet() *exportSet {
	return &exportSet{names: make(map[string]bool)}
}

func (s *exportSet) contains(name string) bool {
	if s.names[name] {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (s *exportSet) merge(o *exportSet) {
	for n := range o.names {
		s.names[n] = true
	}
	for _, p := range o.prefixes {
		if !slices.Contains(s.prefixes, p) {
			s.prefixes = append(s.prefixes, p)
		}
	}
}

type symbolsSets struct {
	SymbolsSetsDictionary []cFBundle `plist:"SymbolsSets,omitempty"`
}

type cFBundle struct {
	ID                string   `plist:"CFBundleIdentifier,omitempty"`
	CompatibleVersion string   `plist:"OSBundleCompatibleVersion,omitempty"`
	Version           string   `plist:"CFBundleVersion,omitempty"`
	Symbols           []symbol `plist:"Symbols,omitempty"`
}

type symbol struct {
	Name   string `plist:"SymbolName,omitempty"`
	Prefix string `plist:"SymbolPrefix,omitempty"`
}

// symbolSet is a KPI published by the kernel (e.g. com.apple.kpi.libkern).
// Modules list it as a dependency and resolve against the kernel's exports
// restricted to the set.
type symbolSet struct {
	id      string
	version bundleVersion
	set     *exportSet
}

func parseSymbolSets(dat []byte) ([]*symbolSet, error) {
	var ss symbolsSets
	if err := plist.NewDecoder(bytes.NewReader(bytes.Trim(dat, "\x00"))).Decode(&ss); err != nil {
		return nil, fmt.Errorf("failed to parse %s.%s plist: %w", symbolSetsSegment, symbolSetsSection, err)
	}
	var sets []*symbolSet
	for _, b := range ss.SymbolsSetsDictionary {
		s := &symbolSet{
			id:      b.ID,
			version: bundleVersion{version: b.Version, compat: b.CompatibleVersion},
			set:     newExportSet(),
		}
		for _, sym := range b.Symbols {
			switch {
			case sym.Prefix != "":
				s.set.prefixes = append(s.set.prefixes, sym.Prefix)
			case sym.Name != "":
				s.set.names[sym.Name] = true
			}
		}
		sets = append(sets, s)
	}
	return sets, nil
}

// kernelImage returns the inspector of the kernel and the level it lives at
func (ctx *buildContext) kernelImage() (inspect.Inspector, aslr.Level, bool) {
	if ctx.root != nil {
		return ctx.root.Image, ctx.level, true
	}
	for _, p := range ctx.parents {
		if p.level != aslr.LevelRoot {
			continue
		}
		for _, e := range p.entries {
			if e.ID == kernelID {
				return e.Image, p.level, true
			}
		}
	}
	return nil, 0, false
}

func (ctx *buildContext) loadSymbolSets() error {
	kernel, _, ok := ctx.kernelImage()
	if !ok {
		return nil
	}
	dat, err := kernel.SectionContent(symbolSetsSegment, symbolSetsSection)
	if err != nil {
		log.Debug("Kernel has no symbol sets")
		return nil
	}
	sets, err := parseSymbolSets(dat)
	if err != nil {
		return err
	}
	for _, s := range sets {
		ctx.versions[s.id] = s.version
	}
	ctx.symbolSets = sets
	log.Debugf("Loaded %d kernel symbol sets", len(sets))
	return nil
}

func (ctx *buildContext) symbolSet(id string) *symbolSet {
	for _, s := range ctx.symbolSets {
		if s.id == id {
			return s
		}
	}
	return nil
}

// moduleSymbolTable builds the table of a module of the current collection
// with every address translated to its output location
func (ctx *buildContext) moduleSymbolTable(m *Module) *SymbolTable {
	t := newSymbolTable(m.ID, ctx.level)
	t.module = m
	for sym := range m.Image.ExportedSymbols() {
		if addr, ok := m.translate(sym.Addr); ok {
			t.Exports[sym.Name] = addr
		} else {
			log.WithField("module", m.ID).Debugf("Dropping export %s at unmapped address %#x", sym.Name, sym.Addr)
		}
	}
	for sym := range m.Image.LocalSymbols() {
		if addr, ok := m.translate(sym.Addr); ok {
			t.Locals[sym.Name] = addr
		}
	}
	return t
}

func parentSymbolTable(id string, level aslr.Level, img inspect.Inspector) *SymbolTable {
	t := newSymbolTable(id, level)
	for sym := range img.ExportedSymbols() {
		t.Exports[sym.Name] = sym.Addr
	}
	for sym := range img.LocalSymbols() {
		t.Locals[sym.Name] = sym.Addr
	}
	return t
}

// buildSymbolTables builds one table per module of this collection and of
// every parent, plus one table per kernel symbol set, then resolves each
// module's dependency list to tables.
func (ctx *buildContext) buildSymbolTables() error {
	fileset := ctx.fileset()
	tables := make([]*SymbolTable, len(fileset))

	var eg errgroup.Group
	eg.SetLimit(ctx.workers)
	for i, m := range fileset {
		eg.Go(func() error {
			tables[i] = ctx.moduleSymbolTable(m)
			return nil
		})
	}
	var parentTables [][]*SymbolTable
	for _, p := range ctx.parents {
		pts := make([]*SymbolTable, len(p.entries))
		parentTables = append(parentTables, pts)
		for i, e := range p.entries {
			eg.Go(func() error {
				pts[i] = parentSymbolTable(e.ID, p.level, e.Image)
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	// codeless modules resolve nothing but may still be named as dependencies
	for _, m := range ctx.modules {
		if !m.HasCode() {
			ctx.tables[m.ID] = newSymbolTable(m.ID, ctx.level)
		}
	}
	for _, pts := range parentTables {
		for _, t := range pts {
			ctx.tables[t.Owner] = t
			ctx.levelTables[t.Level] = append(ctx.levelTables[t.Level], t)
		}
	}
	for _, t := range tables {
		ctx.tables[t.Owner] = t
		ctx.levelTables[t.Level] = append(ctx.levelTables[t.Level], t)
	}

	if len(ctx.symbolSets) > 0 {
		if kt := ctx.kernelTable(); kt != nil {
			kt.Restricted = newExportSet()
			for _, s := range ctx.symbolSets {
				st := newSymbolTable(s.id, kt.Level)
				for name, addr := range kt.Exports {
					if s.set.contains(name) {
						st.Exports[name] = addr
					}
				}
				kt.Restricted.merge(s.set)
				ctx.tables[s.id] = st
			}
		}
	}

	for _, m := range fileset {
		var deps []*SymbolTable
		for _, id := range m.Dependencies {
			if t, ok := ctx.tables[id]; ok {
				deps = append(deps, t)
			}
		}
		ctx.depTables[m.ID] = deps
	}

	log.WithFields(log.Fields{
		"modules": len(fileset),
		"parents": len(ctx.tables) - len(fileset) - len(ctx.symbolSets),
		"sets":    len(ctx.symbolSets),
	}).Debug("Built symbol tables")
	return nil
}

func (ctx *buildContext) kernelTable() *SymbolTable {
	if ctx.root != nil {
		return ctx.tables[ctx.root.ID]
	}
	if t, ok := ctx.tables[kernelID]; ok && t.Level == aslr.LevelRoot {
		return t
	}
	return nil
}

// resolveSymbol searches the module's dependencies in declared order, then
// the module itself
func (ctx *buildContext) resolveSymbol(m *Module, name string) (uint64, aslr.Level, bool) {
	apple := m.AppleInternal()
	for _, t := range ctx.depTables[m.ID] {
		if addr, ok := t.Lookup(name, apple); ok {
			return addr, t.Level, true
		}
	}
	if self, ok := ctx.tables[m.ID]; ok {
		if addr, ok := self.Exports[name]; ok {
			return addr, self.Level, true
		}
	}
	return 0, 0, false
}

// sentinel returns the kernel's weak import sentinel
func (ctx *buildContext) sentinel() (uint64, aslr.Level, bool) {
	kt := ctx.kernelTable()
	if kt == nil {
		return 0, 0, false
	}
	addr, ok := kt.Exports[unresolvedSymbol]
	return addr, kt.Level, ok
}

// symbolAt returns a name for an address at a level, preferring exports and
// then the lexically smallest name
func (ctx *buildContext) symbolAt(level aslr.Level, addr uint64) string {
	if ctx.reverse[level] == nil {
		rev := make(map[uint64]string)
		add := func(syms map[string]uint64, overwrite bool) {
			for name, a := range syms {
				if cur, ok := rev[a]; !ok || (overwrite && name < cur) {
					rev[a] = name
				}
			}
		}
		for _, t := range ctx.levelTables[level] {
			add(t.Exports, true)
		}
		exported := len(rev)
		for _, t := range ctx.levelTables[level] {
			add(t.Locals, false)
		}
		log.Debugf("Indexed %d exported and %d local symbol addresses at level %s", exported, len(rev)-exported, level)
		ctx.reverse[level] = rev
	}
	return ctx.reverse[level][addr]
}
