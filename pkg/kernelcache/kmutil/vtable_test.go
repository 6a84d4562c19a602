package kmutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/cpp"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

const (
	vtableAddr     = srcDataConst + 0x100
	superClassAddr = srcDataConst + 0x200
	metaClassAddr  = srcData + 0x100
	methodAddr     = srcTextExec + 0x100
)

func slotAddr(i int) uint64 {
	return vtableAddr + 16 + uint64(i)*8
}

// baseKernel is the kernel defining class Base with four virtual methods
func baseKernel() *Module {
	k := kernelModule()
	img := imageOf(k)
	img.Exports = append(img.Exports,
		inspect.Symbol{Name: "__ZN4Base10gMetaClassE", Addr: metaClassAddr},
		inspect.Symbol{Name: "__ZTV4Base", Addr: vtableAddr},
	)
	for i, m := range []string{"a", "b", "c", "d"} {
		target := methodAddr + uint64(i)*0x10
		img.Locals = append(img.Locals, inspect.Symbol{Name: "__ZN4Base1" + m + "Ev", Addr: target})
		img.Fixes = append(img.Fixes, inspect.Fixup{Kind: inspect.Rebase, Addr: slotAddr(i), Target: target})
	}
	return k
}

// derivedKext defines class Derived : Base overriding the first slots methods
// and leaving the rest to be inherited
func derivedKext(slots int, inherit ...string) *Module {
	kext := kextModule("com.example.derived", kernelID)
	img := imageOf(kext)
	img.Locals = []inspect.Symbol{
		{Name: "__ZTV7Derived", Addr: vtableAddr},
		{Name: "__ZN7Derived10superClassE", Addr: superClassAddr},
	}
	img.Fixes = []inspect.Fixup{
		{Kind: inspect.Bind, Addr: superClassAddr, Symbol: "__ZN4Base10gMetaClassE"},
	}
	for i := range slots {
		target := methodAddr + uint64(i)*0x10
		img.Locals = append(img.Locals, inspect.Symbol{Name: "__ZN7Derived1" + string(rune('a'+i)) + "Ev", Addr: target})
		img.Fixes = append(img.Fixes, inspect.Fixup{Kind: inspect.Rebase, Addr: slotAddr(i), Target: target})
	}
	for i, sym := range inherit {
		img.Fixes = append(img.Fixes, inspect.Fixup{Kind: inspect.Bind, Addr: slotAddr(slots + i), Symbol: sym})
	}
	return kext
}

func TestPatchVTables(t *testing.T) {
	kernel := baseKernel()
	kext := derivedKext(3, "__ZN4Base1dEv")

	c, err := Build(rootOptions("arm64e", kernel, kext))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var derived *VTable
	for _, v := range c.VTables {
		if v.Name == "__ZTV7Derived" {
			derived = v
		}
	}
	if derived == nil {
		t.Fatalf("VTables = %v, missing __ZTV7Derived", c.VTables)
	}
	if !derived.Patched || derived.Super == nil || derived.Super.Name != "__ZTV4Base" {
		t.Fatalf("Derived = %s, super %v; want patched against __ZTV4Base", derived, derived.Super)
	}
	if derived.Class != "7Derived" || derived.Owner != kext.ID || derived.Level != aslr.LevelRoot {
		t.Errorf("Derived = %+v", derived)
	}
	if derived.Super.Order >= derived.Order {
		t.Errorf("parent patched at %d, child at %d; parents come first", derived.Super.Order, derived.Order)
	}
	if len(derived.Entries) != 4 {
		t.Fatalf("Derived has %d slots, want 4", len(derived.Entries))
	}

	// overridden slots keep the kext's methods
	for i := range 3 {
		slot := outputAddr(t, c, kext, slotAddr(i))
		want := outputAddr(t, c, kext, methodAddr+uint64(i)*0x10)
		if got := readPointer(t, c, slot); got != want {
			t.Errorf("slot %d = %#x, want %#x", i, got, want)
		}
	}

	// the pending slot inherits Base::d
	slot := outputAddr(t, c, kext, slotAddr(3))
	want := outputAddr(t, c, kernel, methodAddr+0x30)
	if got := readPointer(t, c, slot); got != want {
		t.Errorf("inherited slot = %#x, want %#x", got, want)
	}
	if e := derived.Entries[3]; e.Pending || e.Symbol != "__ZN4Base1dEv" {
		t.Errorf("inherited entry = %+v", e)
	}

	r := c.Region("__DATA_CONST")
	e, ok := c.Tracker.Get(r.Location(slot))
	if !ok {
		t.Fatal("inherited slot is not tracked")
	}
	div, _ := cpp.Itanium{}.MethodDiscriminator("__ZN4Base1dEv")
	if e.Auth == nil || !e.Auth.AddrDiv || e.Auth.Diversity != div {
		t.Errorf("inherited slot auth = %+v, want address diversity %#x", e.Auth, div)
	}
	raw := decodeChainedPointer(readRaw(t, c, slot))
	if raw.Auth == nil || raw.Auth.Diversity != div {
		t.Errorf("chained slot = %+v, want an authenticated pointer", raw)
	}
}

func readRaw(t *testing.T, c *Collection, addr uint64) uint64 {
	t.Helper()
	for _, r := range c.Regions {
		if r.Contains(addr) {
			v, err := r.readPointer(addr - r.Addr)
			if err != nil {
				t.Fatal(err)
			}
			return v
		}
	}
	t.Fatalf("address %#x is not mapped", addr)
	return 0
}

func TestPatchVTablesTooFewSlots(t *testing.T) {
	_, err := Build(rootOptions("arm64e", baseKernel(), derivedKext(2)))
	if !errors.Is(err, ErrMalformedVTable) {
		t.Fatalf("Build() error = %v, want %v", err, ErrMalformedVTable)
	}
	var be *BuildError
	if !errors.As(err, &be) || len(be.ModuleErrors()["com.example.derived"]) == 0 {
		t.Fatalf("Build() error = %v, want it recorded against com.example.derived", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "__ZTV7Derived") || !strings.Contains(msg, "__ZTV4Base") {
		t.Errorf("error %q does not name both v-tables", msg)
	}
}

func TestPatchVTablesCycle(t *testing.T) {
	kext := kextModule("com.example.cycle", kernelID)
	img := imageOf(kext)
	img.Locals = []inspect.Symbol{
		{Name: "__ZTV1A", Addr: vtableAddr},
		{Name: "__ZTV1B", Addr: vtableAddr + 0x80},
		{Name: "__ZN1A10superClassE", Addr: superClassAddr},
		{Name: "__ZN1B10superClassE", Addr: superClassAddr + 8},
		{Name: "__ZN1A10gMetaClassE", Addr: metaClassAddr},
		{Name: "__ZN1B10gMetaClassE", Addr: metaClassAddr + 0x40},
	}
	img.Fixes = []inspect.Fixup{
		// A derives from B and B from A
		{Kind: inspect.Rebase, Addr: superClassAddr, Target: metaClassAddr + 0x40},
		{Kind: inspect.Rebase, Addr: superClassAddr + 8, Target: metaClassAddr},
		{Kind: inspect.Rebase, Addr: vtableAddr + 16, Target: methodAddr},
		{Kind: inspect.Rebase, Addr: vtableAddr + 0x80 + 16, Target: methodAddr + 0x10},
	}

	_, err := Build(rootOptions("arm64e", kernelModule(), kext))
	if !errors.Is(err, ErrVTableCycle) {
		t.Fatalf("Build() error = %v, want %v", err, ErrVTableCycle)
	}
	if msg := err.Error(); !strings.Contains(msg, "__ZTV1A") || !strings.Contains(msg, "__ZTV1B") {
		t.Errorf("error %q does not name the cycle", msg)
	}
}

func TestPatchVTablesBadSuperPointer(t *testing.T) {
	kext := derivedKext(4)
	// the superclass pointer targets a method instead of a meta-class
	imageOf(kext).Fixes[0] = inspect.Fixup{Kind: inspect.Rebase, Addr: superClassAddr, Target: methodAddr}

	_, err := Build(rootOptions("arm64", baseKernel(), kext))
	if !errors.Is(err, ErrMalformedVTable) {
		t.Fatalf("Build() error = %v, want %v", err, ErrMalformedVTable)
	}
}

// checkVTableHierarchy verifies every patched v-table came after its parent
// and kept at least as many slots
func checkVTableHierarchy(t *testing.T, c *Collection) {
	t.Helper()
	for _, v := range c.VTables {
		if !v.Patched {
			t.Errorf("%s is not patched", v.Name)
		}
		if v.Super == nil {
			continue
		}
		if !v.Super.Patched || v.Super.Order >= v.Order {
			t.Errorf("%s patched at %d, its parent %s at %d", v.Name, v.Order, v.Super.Name, v.Super.Order)
		}
		if len(v.Entries) < len(v.Super.Entries) {
			t.Errorf("%s has %d slots, its parent %s has %d", v.Name, len(v.Entries), v.Super.Name, len(v.Super.Entries))
		}
	}
}

func vtableNamed(t *testing.T, c *Collection, name string) *VTable {
	t.Helper()
	for _, v := range c.VTables {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("VTables = %v, missing %s", c.VTables, name)
	return nil
}

func TestPatchVTableSlots(t *testing.T) {
	const pureAddr = srcTextExec + 0x200
	tests := []struct {
		name      string
		kernel    func(img *inspect.Image)
		bind      string // what slot 3 of Derived binds
		wantAddr  uint64 // kernel source address slot 3 ends up at
		inherited bool
	}{
		{
			name:      "pending bind inherits",
			bind:      "__ZN4Base1dEv",
			wantAddr:  methodAddr + 0x30,
			inherited: true,
		},
		{
			name: "bind to the parent's symbol inherits",
			kernel: func(img *inspect.Image) {
				img.Exports = append(img.Exports, inspect.Symbol{Name: "__ZN4Base1dEv", Addr: methodAddr + 0x30})
			},
			bind:      "__ZN4Base1dEv",
			wantAddr:  methodAddr + 0x30,
			inherited: true,
		},
		{
			name:     "override is kept",
			bind:     "_kernel_data",
			wantAddr: srcData + 0x40,
		},
		{
			name: "pure virtual parent is left alone",
			kernel: func(img *inspect.Image) {
				img.Exports = append(img.Exports, inspect.Symbol{Name: "___cxa_pure_virtual", Addr: pureAddr})
				for i := range img.Fixes {
					if img.Fixes[i].Addr == slotAddr(3) {
						img.Fixes[i].Target = pureAddr
					}
				}
			},
			bind:     "___cxa_pure_virtual",
			wantAddr: pureAddr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernel := baseKernel()
			if tt.kernel != nil {
				tt.kernel(imageOf(kernel))
			}
			kext := derivedKext(3, tt.bind)

			c, err := Build(rootOptions("arm64e", kernel, kext))
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			checkVTableHierarchy(t, c)

			derived := vtableNamed(t, c, "__ZTV7Derived")
			if e := derived.Entries[3]; e.Pending || e.Symbol != tt.bind {
				t.Errorf("slot 3 = %+v, want %s", e, tt.bind)
			}
			slot := outputAddr(t, c, kext, slotAddr(3))
			if got, want := readPointer(t, c, slot), outputAddr(t, c, kernel, tt.wantAddr); got != want {
				t.Errorf("slot 3 = %#x, want %#x", got, want)
			}

			e, ok := c.Tracker.Get(c.Region("__DATA_CONST").Location(slot))
			if !ok {
				t.Fatal("slot 3 is not tracked")
			}
			if !tt.inherited {
				if e.Auth != nil {
					t.Errorf("slot 3 auth = %+v, want the bind left as is", e.Auth)
				}
				return
			}
			div, _ := cpp.Itanium{}.MethodDiscriminator(tt.bind)
			if e.Auth == nil || e.Auth.Diversity != div {
				t.Errorf("slot 3 auth = %+v, want diversity %#x", e.Auth, div)
			}
		})
	}
}

// classKext defines class cls (a mangled length prefixed name) deriving from
// the class whose meta-class is superMeta. The first own slots get the
// class's methods and the following slots bind inherit.
func classKext(id, cls, superMeta string, own int, inherit []string, deps ...string) *Module {
	kext := kextModule(id, deps...)
	img := imageOf(kext)
	img.Exports = []inspect.Symbol{{Name: "__ZN" + cls + "10gMetaClassE", Addr: metaClassAddr}}
	img.Locals = []inspect.Symbol{
		{Name: "__ZTV" + cls, Addr: vtableAddr},
		{Name: "__ZN" + cls + "10superClassE", Addr: superClassAddr},
	}
	img.Fixes = []inspect.Fixup{{Kind: inspect.Bind, Addr: superClassAddr, Symbol: superMeta}}
	for i := range own {
		target := methodAddr + uint64(i)*0x10
		img.Locals = append(img.Locals, inspect.Symbol{Name: "__ZN" + cls + "1" + string(rune('a'+i)) + "Ev", Addr: target})
		img.Fixes = append(img.Fixes, inspect.Fixup{Kind: inspect.Rebase, Addr: slotAddr(i), Target: target})
	}
	for i, sym := range inherit {
		img.Fixes = append(img.Fixes, inspect.Fixup{Kind: inspect.Bind, Addr: slotAddr(own + i), Symbol: sym})
	}
	return kext
}

func TestPatchVTablesChain(t *testing.T) {
	kernel := baseKernel()
	// Mid : Base overrides a, b and c and inherits d
	mid := classKext("com.example.mid", "3Mid", "__ZN4Base10gMetaClassE", 3, []string{"__ZN4Base1dEv"}, kernelID)
	// Leaf : Mid overrides a and b, inherits c from Mid and d from Base
	leaf := classKext("com.example.leaf", "4Leaf", "__ZN3Mid10gMetaClassE", 2, []string{"__ZN3Mid1cEv", "__ZN4Base1dEv"}, kernelID, mid.ID)

	c, err := Build(rootOptions("arm64", kernel, leaf, mid))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	checkVTableHierarchy(t, c)

	base := vtableNamed(t, c, "__ZTV4Base")
	mv := vtableNamed(t, c, "__ZTV3Mid")
	lv := vtableNamed(t, c, "__ZTV4Leaf")
	if mv.Super != base || lv.Super != mv {
		t.Fatalf("hierarchy = %v <- %v <- %v", lv.Super, mv.Super, base)
	}
	if !(base.Order < mv.Order && mv.Order < lv.Order) {
		t.Errorf("patch order Base %d, Mid %d, Leaf %d; want parents first", base.Order, mv.Order, lv.Order)
	}

	tests := []struct {
		slot int
		from *Module
		src  uint64
	}{
		{0, leaf, methodAddr},
		{1, leaf, methodAddr + 0x10},
		{2, mid, methodAddr + 0x20},
		{3, kernel, methodAddr + 0x30},
	}
	for _, tt := range tests {
		slot := outputAddr(t, c, leaf, slotAddr(tt.slot))
		if got, want := readPointer(t, c, slot), outputAddr(t, c, tt.from, tt.src); got != want {
			t.Errorf("Leaf slot %d = %#x, want %#x from %s", tt.slot, got, want, tt.from.ID)
		}
	}
}
