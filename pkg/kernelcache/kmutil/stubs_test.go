package kmutil

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

const (
	rootBase       = 0xfffffe0007004000
	rootKernelFunc = rootBase + 0x4000
	rootSize       = 0x8000
)

// parentCollectionImage is an already built root collection holding only the
// kernel
func parentCollectionImage() *inspect.Image {
	segs := []inspect.Segment{
		{Name: "__TEXT", Addr: rootBase, Size: 0x4000, FileSize: 0x4000, InitProt: inspect.ProtRead, MaxProt: inspect.ProtRead},
		{Name: "__TEXT_EXEC", Addr: rootBase + 0x4000, Size: 0x4000, Offset: 0x4000, FileSize: 0x4000, InitProt: inspect.ProtRead | inspect.ProtExec, MaxProt: inspect.ProtRead | inspect.ProtExec},
	}
	kernel := &inspect.Image{
		Base:    rootBase,
		Segs:    segs,
		Exports: []inspect.Symbol{{Name: "_kernel_func", Addr: rootKernelFunc}},
	}
	return &inspect.Image{
		Base:     rootBase,
		Segs:     segs,
		Children: []inspect.Entry{{ID: kernelID, Image: kernel}},
	}
}

func branchingKext(id string) *Module {
	kext := kextModule(id, kernelID)
	img := imageOf(kext)
	put32(img, srcTextExec+0x40, instrBL)
	img.Fixes = []inspect.Fixup{
		{Kind: inspect.Branch, Addr: srcTextExec + 0x40, Symbol: "_kernel_func"},
		{Kind: inspect.Bind, Addr: srcDataConst + 0x10, Symbol: "_kernel_func"},
	}
	return kext
}

func pageableOptions(mods ...*Module) Options {
	return Options{
		Kind:    KindPageable,
		Arch:    "arm64e",
		Modules: mods,
		Parents: []inspect.Inspector{parentCollectionImage()},
		Workers: 2,
	}
}

// decodeStub returns the GOT slot an adrp/ldr/br stub at addr loads from
func decodeStub(t *testing.T, c *Collection, addr uint64) uint64 {
	t.Helper()
	adrp, ldr, br := read32(t, c, addr), read32(t, c, addr+4), read32(t, c, addr+8)
	if adrp&0x9F00001F != arm64ADRPx16 {
		t.Fatalf("stub %#x starts with %#08x, want adrp x16", addr, adrp)
	}
	if ldr&0xFFC003FF != arm64LDRx16x16 {
		t.Fatalf("stub %#x has %#08x, want ldr x16, [x16]", addr, ldr)
	}
	if br != arm64BRx16 {
		t.Fatalf("stub %#x ends with %#08x, want br x16", addr, br)
	}
	imm := uint64(adrp>>29&3) | uint64(adrp>>5&0x7FFFF)<<2
	pages := int64(imm<<43) >> 43
	page := uint64(int64(addr>>12)+pages) << 12
	return page + uint64(ldr>>10&0xFFF)*8
}

func TestTrampolines(t *testing.T) {
	a, b := branchingKext("com.example.a"), branchingKext("com.example.b")
	c, err := Build(pageableOptions(a, b))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if c.BaseAddress != rootBase+rootSize {
		t.Errorf("pageable base = %#x, want %#x", c.BaseAddress, uint64(rootBase+rootSize))
	}

	// both kexts call the same parent function through one stub
	if len(c.Trampolines) != 1 {
		t.Fatalf("allocated %d trampolines, want 1", len(c.Trampolines))
	}
	tr := c.Trampolines[0]
	if tr.Level != aslr.LevelRoot || tr.Target != rootKernelFunc || len(tr.Sites) != 2 || tr.Eliminated {
		t.Fatalf("trampoline = %s", tr)
	}
	if r := c.Region("__BRANCH_STUBS"); r == nil || !r.Contains(tr.StubAddr) {
		t.Errorf("stub %#x is not in __BRANCH_STUBS", tr.StubAddr)
	}
	if r := c.Region("__BRANCH_GOTS"); r == nil || !r.Contains(tr.GOTAddr) {
		t.Errorf("GOT %#x is not in __BRANCH_GOTS", tr.GOTAddr)
	}
	if got := decodeStub(t, c, tr.StubAddr); got != tr.GOTAddr {
		t.Errorf("stub loads from %#x, want the GOT slot %#x", got, tr.GOTAddr)
	}
	if got := readPointer(t, c, tr.GOTAddr); got != rootKernelFunc {
		t.Errorf("GOT slot = %#x, want %#x", got, uint64(rootKernelFunc))
	}
	got := c.Region("__BRANCH_GOTS")
	if lvl, ok := c.Tracker.Has(got.Location(tr.GOTAddr)); !ok || lvl != aslr.LevelRoot {
		t.Errorf("GOT slot tracked = %s, %t; want root, true", lvl, ok)
	}

	for _, m := range []*Module{a, b} {
		site := outputAddr(t, c, m, srcTextExec+0x40)
		if dst := arm64BranchTarget(read32(t, c, site), site); dst != tr.StubAddr {
			t.Errorf("%s: bl at %#x targets %#x, want the stub %#x", m.ID, site, dst, tr.StubAddr)
		}
		if p := readPointer(t, c, outputAddr(t, c, m, srcDataConst+0x10)); p != rootKernelFunc {
			t.Errorf("%s: cross level bind = %#x, want %#x", m.ID, p, uint64(rootKernelFunc))
		}
	}
}

func TestTrampolinesPerAddend(t *testing.T) {
	a := branchingKext("com.example.a")
	img := imageOf(a)
	put32(img, srcTextExec+0x44, instrBL)
	put32(img, srcTextExec+0x48, instrBL)
	img.Fixes = append(img.Fixes,
		inspect.Fixup{Kind: inspect.Branch, Addr: srcTextExec + 0x44, Symbol: "_kernel_func", Addend: 8},
		inspect.Fixup{Kind: inspect.Branch, Addr: srcTextExec + 0x48, Symbol: "_kernel_func", Addend: 8},
	)

	ctx, err := newBuildContext(pageableOptions(a))
	if err != nil {
		t.Fatal(err)
	}
	c, err := ctx.build()
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if n := ctx.branchSymbolCount(); n != 2 {
		t.Errorf("branchSymbolCount() = %d, want 2", n)
	}
	if len(c.Trampolines) != 2 {
		t.Fatalf("allocated %d trampolines, want 2", len(c.Trampolines))
	}

	want := map[uint64]int{rootKernelFunc: 1, rootKernelFunc + 8: 2}
	for _, tr := range c.Trampolines {
		sites, ok := want[tr.Target]
		if !ok || len(tr.Sites) != sites {
			t.Errorf("unexpected trampoline %s", tr)
			continue
		}
		if got := readPointer(t, c, tr.GOTAddr); got != tr.Target {
			t.Errorf("GOT slot %#x = %#x, want %#x", tr.GOTAddr, got, tr.Target)
		}
	}
	for _, tt := range []struct {
		src    uint64
		target uint64
	}{
		{srcTextExec + 0x40, rootKernelFunc},
		{srcTextExec + 0x44, rootKernelFunc + 8},
		{srcTextExec + 0x48, rootKernelFunc + 8},
	} {
		site := outputAddr(t, c, a, tt.src)
		stub := arm64BranchTarget(read32(t, c, site), site)
		if got := readPointer(t, c, decodeStub(t, c, stub)); got != tt.target {
			t.Errorf("bl at %#x reaches %#x, want %#x", site, got, tt.target)
		}
	}
}

func TestStubElimination(t *testing.T) {
	a := branchingKext("com.example.a")
	opts := pageableOptions(a)
	opts.SharedSlideParents = []aslr.Level{aslr.LevelRoot}

	c, err := Build(opts)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(c.Trampolines) != 1 || !c.Trampolines[0].Eliminated {
		t.Fatalf("trampolines = %v, want one eliminated", c.Trampolines)
	}
	tr := c.Trampolines[0]
	site := outputAddr(t, c, a, srcTextExec+0x40)
	if dst := arm64BranchTarget(read32(t, c, site), site); dst != rootKernelFunc {
		t.Errorf("bl at %#x targets %#x, want %#x directly", site, dst, uint64(rootKernelFunc))
	}
	gots := c.Region("__BRANCH_GOTS")
	if _, ok := c.Tracker.Has(gots.Location(tr.GOTAddr)); ok {
		t.Error("eliminated GOT slot is still tracked")
	}
	if v := readPointer(t, c, tr.GOTAddr); v != 0 {
		t.Errorf("eliminated GOT slot = %#x, want 0", v)
	}
}

type growingPass struct{}

func (growingPass) Name() string { return "grow" }

func (growingPass) Run(pc *PassContext) error {
	for _, r := range pc.Regions {
		if r.Kind == RegionBranchStubs {
			r.Used += 4
		}
	}
	return nil
}

func TestPassMayNotGrow(t *testing.T) {
	opts := pageableOptions(branchingKext("com.example.a"))
	opts.Passes = []PostLinkPass{growingPass{}}
	if _, err := Build(opts); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Build() error = %v, want %v", err, ErrCapacity)
	}
}

func TestBranchEncoding(t *testing.T) {
	const pc = 0xfffffe0007010000
	tests := []struct {
		name    string
		instr   uint32
		target  uint64
		want    uint32
		wantErr error
	}{
		{name: "bl forward", instr: instrBL, target: pc + 0x100, want: instrBL | 0x40},
		{name: "b backward", instr: 0x14000000, target: pc - 4, want: 0x17FFFFFF},
		{name: "max forward", instr: instrBL, target: pc + arm64BranchRange - 4, want: instrBL | 0x01FFFFFF},
		{name: "out of range", instr: instrBL, target: pc + arm64BranchRange, wantErr: ErrCapacity},
		{name: "misaligned", instr: instrBL, target: pc + 2, wantErr: ErrMalformedFixup},
		{name: "not a branch", instr: 0xD503201F, target: pc + 4, wantErr: ErrMalformedFixup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeARM64Branch(tt.instr, pc, tt.target)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("encodeARM64Branch() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("encodeARM64Branch() = %#08x, want %#08x", got, tt.want)
			}
			if err == nil && arm64BranchTarget(got, pc) != tt.target {
				t.Errorf("encoded branch targets %#x, want %#x", arm64BranchTarget(got, pc), tt.target)
			}
		})
	}

	disp, err := encodeX86Rel32(0x1000, 0x800)
	if err != nil || int32(disp) != -0x804 {
		t.Errorf("encodeX86Rel32() = %d, %v; want -0x804", int32(disp), err)
	}
	if _, err := encodeX86Rel32(0, 1<<32); !errors.Is(err, ErrCapacity) {
		t.Errorf("encodeX86Rel32() out of range error = %v", err)
	}

	stub, err := x86Stub(0x2000, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if stub[0] != 0xFF || stub[1] != 0x25 || binary.LittleEndian.Uint32(stub[2:]) != 0x3000-0x2006 {
		t.Errorf("x86Stub() = % x", stub)
	}
	if _, err := arm64Stub(0x2000, 0x3004); err == nil {
		t.Error("arm64Stub() accepted a misaligned GOT slot")
	}
}
