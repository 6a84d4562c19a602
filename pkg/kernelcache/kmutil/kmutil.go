// Package kmutil builds kernel collections: it lays out a kernel and its
// extensions in a single MH_FILESET image, resolves their symbols and fixups
// across collection levels, patches C++ v-tables the runtime linker would
// otherwise fix up, and serializes the header and chained fixups.
package kmutil

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/blacktop/kcbuild/internal/utils"
	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/cpp"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

// Kind is the kind of collection being built
type Kind uint8

const (
	// KindRoot is the boot kernel collection (kernel + boot extensions)
	KindRoot Kind = iota
	// KindPageable is the system kernel collection linked against a root collection
	KindPageable
	// KindAuxiliary is the auxiliary kernel collection (third party extensions)
	KindAuxiliary
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindPageable:
		return "pageable"
	case KindAuxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Level returns the collection level modules of this kind live at
func (k Kind) Level() aslr.Level {
	switch k {
	case KindPageable:
		return aslr.LevelPageable
	case KindAuxiliary:
		return aslr.LevelAuxiliary
	default:
		return aslr.LevelRoot
	}
}

// ParseKind parses root/pageable/auxiliary (and the kmutil spellings boot/sys/aux)
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "root", "boot", "":
		return KindRoot, nil
	case "pageable", "sys", "system":
		return KindPageable, nil
	case "auxiliary", "aux":
		return KindAuxiliary, nil
	}
	return 0, fmt.Errorf("invalid collection kind %q", s)
}

// Options configures a build
type Options struct {
	Kind Kind
	Arch string // arm64, arm64e or x86_64
	// Modules are the inputs. A root build needs exactly one Root module.
	Modules []*Module
	// Parents are the already built collections an add-on links against,
	// root collection first. Parent i lives at level i.
	Parents               []inspect.Inspector
	UserSections          []UserSection
	ExtraDirectoryEntries Info
	// Workers bounds the worker pool (default: runtime.NumCPU)
	Workers int
	// Rules overrides the built-in segment classification
	Rules *Rules
	// BaseAddress overrides the default base of a root collection
	BaseAddress uint64
	// SharedSlideParents lists parent levels that slide together with this
	// collection; branches into them may bypass trampolines.
	SharedSlideParents []aslr.Level
	// Passes run after linking (default: stub elimination)
	Passes []PostLinkPass
	// ABI overrides the C++ object model convention (default: cpp.Itanium)
	ABI cpp.ABI
}

// Collection is a built kernel collection
type Collection struct {
	Kind        Kind
	Arch        string
	BaseAddress uint64
	Bytes       []byte
	UUID        uuid.UUID
	Regions     []*Region
	// Modules are this build's copies of the inputs, placed in layout order
	Modules     []*Module
	VTables     []*VTable
	Trampolines []*Trampoline
	Tracker     *aslr.Tracker

	levelBase [aslr.MaxLevels]uint64
	cpu       uint32
	subCPU    uint32
}

// Build links opts.Modules into a new collection
func Build(opts Options) (*Collection, error) {
	ctx, err := newBuildContext(opts)
	if err != nil {
		return nil, err
	}
	return ctx.build()
}

func (ctx *buildContext) build() (*Collection, error) {
	start := time.Now()

	log.WithFields(log.Fields{
		"kind":    ctx.kind,
		"arch":    ctx.arch.name,
		"level":   ctx.level,
		"modules": len(ctx.opts.Modules),
		"parents": len(ctx.parents),
	}).Info("Building kernel collection")

	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"accept inputs", ctx.acceptModules},
		{"load symbol sets", ctx.loadSymbolSets},
		{"check dependencies", ctx.checkDependencies},
		{"layout", ctx.layout},
		{"copy", ctx.copyModules},
		{"symbol tables", ctx.buildSymbolTables},
		{"resolve fixups", ctx.resolveFixups},
		{"patch vtables", ctx.patchVTables},
		{"check pending binds", ctx.checkPending},
		{"post-link passes", ctx.runPasses},
		{"chained fixups", ctx.writeChainedFixups},
		{"header", ctx.writeHeader},
		{"finalize", ctx.finalize},
	} {
		t := time.Now()
		if err := step.fn(); err != nil {
			return nil, err
		}
		utils.Indent(log.Debug, 2)(fmt.Sprintf("%s (%s)", step.name, time.Since(t).Round(time.Microsecond)))
	}

	c := ctx.collection()
	utils.Indent(log.WithFields(log.Fields{
		"uuid":    c.UUID,
		"size":    humanize.Bytes(uint64(len(c.Bytes))),
		"modules": len(ctx.fileset()),
		"vtables": len(c.VTables),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info, 2)("Built kernel collection")

	return c, nil
}

type parentCollection struct {
	level   aslr.Level
	image   inspect.Inspector
	entries []inspect.Entry
	base    uint64
	end     uint64
	// existing fixups by address, built on first use
	fixups map[uint64]inspect.Fixup
}

func (p *parentCollection) name() string {
	return fmt.Sprintf("parent%d", p.level)
}

// buildContext is the state threaded through every phase of a build
type buildContext struct {
	opts    Options
	kind    Kind
	arch    *archInfo
	abi     cpp.ABI
	rules   *Rules
	level   aslr.Level
	workers int

	base      uint64
	levelBase [aslr.MaxLevels]uint64
	parents   []*parentCollection

	modules []*Module // accepted, layout order
	root    *Module

	regions  []*Region
	buf      []byte
	userData []placedData

	symbolSets  []*symbolSet
	tables      map[string]*SymbolTable
	levelTables [aslr.MaxLevels][]*SymbolTable
	depTables   map[string][]*SymbolTable
	reverse     [aslr.MaxLevels]map[uint64]string
	versions    map[string]bundleVersion
	loadOrder   []string

	tracker     *aslr.Tracker
	pending     map[uint64]*PendingBind
	bound       map[uint64]string
	trampolines []*Trampoline
	trampIndex  map[trampolineKey]*Trampoline

	vtables *vtableRegistry

	headerSize   uint64
	uuidOffset   uint64
	chainedOff   uint64
	chainedSize  uint64
	prelinkSize  uint64
	prelinkEstim uint64
	uuid         uuid.UUID
}

func newBuildContext(opts Options) (*buildContext, error) {
	arch, err := lookupArch(opts.Arch)
	if err != nil {
		return nil, err
	}
	ctx := &buildContext{
		opts:       opts,
		kind:       opts.Kind,
		arch:       arch,
		abi:        opts.ABI,
		rules:      opts.Rules,
		level:      opts.Kind.Level(),
		workers:    opts.Workers,
		tables:     make(map[string]*SymbolTable),
		depTables:  make(map[string][]*SymbolTable),
		versions:   make(map[string]bundleVersion),
		tracker:    aslr.NewTracker(),
		pending:    make(map[uint64]*PendingBind),
		bound:      make(map[uint64]string),
		trampIndex: make(map[trampolineKey]*Trampoline),
	}
	// the caller's modules are never written to
	ctx.opts.Modules = nil
	for _, m := range opts.Modules {
		if m != nil {
			ctx.opts.Modules = append(ctx.opts.Modules, m.clone())
		}
	}
	if ctx.abi == nil {
		ctx.abi = cpp.Itanium{}
	}
	if ctx.rules == nil {
		ctx.rules = DefaultRules()
	}
	if ctx.workers <= 0 {
		ctx.workers = runtime.NumCPU()
	}
	if ctx.kind > KindAuxiliary {
		return nil, fmt.Errorf("%w: collection kind %d", ErrUnsupported, ctx.kind)
	}

	if required := len(opts.Parents) + 1; required > aslr.MaxLevels {
		return nil, fmt.Errorf("%w: %d collection levels required, the format supports %d", ErrCapacity, required, aslr.MaxLevels)
	}
	switch {
	case ctx.kind == KindRoot && len(opts.Parents) > 0:
		return nil, fmt.Errorf("%w: a root collection cannot have parents", ErrUnsupported)
	case ctx.kind != KindRoot && len(opts.Parents) == 0:
		return nil, fmt.Errorf("%w: a %s collection needs its root collection as a parent", ErrUnsupported, ctx.kind)
	case len(opts.Parents) > int(ctx.level):
		return nil, fmt.Errorf("%w: a %s collection has at most %d parents", ErrUnsupported, ctx.kind, ctx.level)
	}

	for i, p := range opts.Parents {
		pc := &parentCollection{
			level: aslr.Level(i),
			image: p,
			base:  p.PreferredLoadAddress(),
			end:   inspect.End(p),
		}
		if col, ok := p.(inspect.Collection); ok {
			entries, err := col.Entries()
			if err != nil {
				return nil, fmt.Errorf("failed to enumerate modules of parent collection %d: %w", i, err)
			}
			pc.entries = slices.Clone(entries)
		} else {
			pc.entries = []inspect.Entry{{Image: p}}
		}
		for j := range pc.entries {
			if pc.entries[j].ID != "" {
				continue
			}
			// a bare root parent is the kernel itself
			if pc.level == aslr.LevelRoot && len(pc.entries) == 1 {
				pc.entries[j].ID = kernelID
			} else {
				pc.entries[j].ID = fmt.Sprintf("%s.%d", pc.name(), j)
			}
		}
		ctx.levelBase[pc.level] = pc.base
		ctx.parents = append(ctx.parents, pc)
	}

	switch {
	case ctx.kind != KindRoot:
		var end uint64
		for _, p := range ctx.parents {
			end = max(end, p.end)
		}
		ctx.base = alignUp(end, arch.pageSize)
	case opts.BaseAddress != 0:
		if opts.BaseAddress%arch.pageSize != 0 {
			return nil, fmt.Errorf("base address %#x is not page aligned", opts.BaseAddress)
		}
		ctx.base = opts.BaseAddress
	default:
		ctx.base = arch.defaultBase
	}
	ctx.levelBase[ctx.level] = ctx.base

	return ctx, nil
}

// acceptModules validates the inputs and fixes the layout order
func (ctx *buildContext) acceptModules() error {
	seen := make(map[string]bool)
	var accepted []*Module
	var withCode int
	for _, m := range ctx.opts.Modules {
		switch {
		case m == nil:
			continue
		case m.ID == "":
			m.Diag().Errorf("module %s has no bundle identifier", m.Path)
			continue
		case seen[m.ID]:
			m.Diag().Errorf("duplicate module identifier %s", m.ID)
			continue
		case m.Root && ctx.kind != KindRoot:
			m.Diag().Errorf("%w: kernel %s in a %s collection", ErrUnsupported, m.ID, ctx.kind)
			continue
		case m.Root && ctx.root != nil:
			m.Diag().Errorf("more than one kernel (%s and %s)", ctx.root.ID, m.ID)
			continue
		}
		seen[m.ID] = true
		if m.Root {
			if !m.HasCode() {
				m.Diag().Errorf("kernel %s has no code", m.ID)
				continue
			}
			ctx.root = m
		}
		if m.HasCode() {
			withCode++
		} else {
			log.WithField("module", m.ID).Debug("Codeless module")
		}
		accepted = append(accepted, m)
	}

	if withCode == 0 {
		if err := moduleFailures(ctx.opts.modules(), ErrNoValidInputs); err != nil {
			return err
		}
	}
	if ctx.kind == KindRoot && ctx.root == nil {
		return moduleFailures(ctx.opts.modules(), fmt.Errorf("%w: root collection has no kernel", ErrNoValidInputs))
	}
	if err := moduleFailures(ctx.opts.modules()); err != nil {
		return err
	}

	sortModules(accepted)
	ctx.modules = accepted
	return nil
}

func (o Options) modules() []*Module {
	return slices.DeleteFunc(slices.Clone(o.Modules), func(m *Module) bool { return m == nil })
}

// fileset returns the modules that get a fileset entry, in layout order
func (ctx *buildContext) fileset() []*Module {
	var mods []*Module
	for _, m := range ctx.modules {
		if m.HasCode() {
			mods = append(mods, m)
		}
	}
	return mods
}

func (ctx *buildContext) failures(global ...error) error {
	return moduleFailures(ctx.modules, global...)
}

func (ctx *buildContext) region(kind RegionKind) *Region {
	for _, r := range ctx.regions {
		if r.Kind == kind {
			return r
		}
	}
	return nil
}

// locate returns the region holding an output address
func (ctx *buildContext) locate(addr uint64) (*Region, bool) {
	i, found := slices.BinarySearchFunc(ctx.regions, addr, func(r *Region, a uint64) int {
		switch {
		case r.Addr+r.Capacity <= a:
			return -1
		case r.Addr > a:
			return 1
		}
		return 0
	})
	if !found {
		return nil, false
	}
	return ctx.regions[i], true
}

func (ctx *buildContext) collection() *Collection {
	var vts []*VTable
	if ctx.vtables != nil {
		vts = ctx.vtables.ordered()
	}
	return &Collection{
		Kind:        ctx.kind,
		Arch:        ctx.arch.name,
		BaseAddress: ctx.base,
		Bytes:       ctx.buf,
		UUID:        ctx.uuid,
		Regions:     ctx.regions,
		Modules:     ctx.modules,
		VTables:     vts,
		Trampolines: ctx.trampolines,
		Tracker:     ctx.tracker,
		levelBase:   ctx.levelBase,
		cpu:         uint32(ctx.arch.cpu),
		subCPU:      uint32(ctx.arch.subCPU),
	}
}

// Region returns the region with the given segment name
func (c *Collection) Region(name string) *Region {
	for _, r := range c.Regions {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Module returns the module with the given identifier
func (c *Collection) Module(id string) *Module {
	for _, m := range c.Modules {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ReadPointer returns the unslid address the pointer at addr targets. Words
// that carry no fixup are returned raw.
func (c *Collection) ReadPointer(addr uint64) (uint64, error) {
	for _, r := range c.Regions {
		if !r.Contains(addr) {
			continue
		}
		raw, err := r.readPointer(addr - r.Addr)
		if err != nil {
			return 0, err
		}
		if _, ok := c.Tracker.Has(r.Location(addr)); !ok {
			return raw, nil
		}
		p := decodeChainedPointer(raw)
		return c.levelBase[p.Level] + p.Target, nil
	}
	return 0, fmt.Errorf("address %#x is not mapped", addr)
}
