package kmutil

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

func TestChainedPointerEncode(t *testing.T) {
	tests := []struct {
		name    string
		p       chainedPointer
		want    uint64
		wantErr error
	}{
		{
			name: "rebase",
			p:    chainedPointer{Target: 0x1234, Level: aslr.LevelPageable, Next: 2},
			want: 0x1234 | 1<<30 | 2<<51,
		},
		{
			name: "auth",
			p:    chainedPointer{Target: 0x10, Auth: &aslr.Auth{Diversity: 0xBEEF, AddrDiv: true, Key: 2}},
			want: 0x10 | 0xBEEF<<32 | 1<<48 | 2<<49 | 1<<63,
		},
		{
			name: "max",
			p:    chainedPointer{Target: chainedMaxTarget, Level: aslr.LevelAuxiliary, Next: chainedMaxNext},
			want: chainedMaxTarget | 3<<30 | chainedMaxNext<<51,
		},
		{name: "target overflow", p: chainedPointer{Target: 1 << 30}, wantErr: ErrCapacity},
		{name: "next overflow", p: chainedPointer{Next: 1 << 12}, wantErr: ErrMalformedFixup},
		{name: "bad level", p: chainedPointer{Level: aslr.MaxLevels}, wantErr: aslr.ErrInvalidLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.encode()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("encode() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("encode() = %#016x, want %#016x", got, tt.want)
			}
			back := decodeChainedPointer(got)
			if back.Target != tt.p.Target || back.Level != tt.p.Level || back.Next != tt.p.Next {
				t.Errorf("decode() = %+v, want %+v", back, tt.p)
			}
			if (back.Auth == nil) != (tt.p.Auth == nil) || (back.Auth != nil && *back.Auth != *tt.p.Auth) {
				t.Errorf("decode() auth = %+v, want %+v", back.Auth, tt.p.Auth)
			}
		})
	}
}

func TestChainedFixupsSize(t *testing.T) {
	tests := []struct {
		segCount int
		pages    []uint64
		want     uint64
	}{
		{segCount: 0, want: 32 + 8 + 8},
		{segCount: 2, pages: []uint64{1}, want: 80},
		{segCount: 3, pages: []uint64{2, 5}, want: 32 + 16 + 32 + 32 + 8},
	}
	for _, tt := range tests {
		if got := chainedFixupsSize(tt.segCount, tt.pages); got != tt.want {
			t.Errorf("chainedFixupsSize(%d, %v) = %d, want %d", tt.segCount, tt.pages, got, tt.want)
		}
	}
}

// walkChains follows every chain of the collection's fixups blob and returns
// the addresses of the pointers on them
func walkChains(t *testing.T, c *Collection, chainedOff uint64) []uint64 {
	t.Helper()
	blob := c.Bytes[chainedOff:]
	if got := binary.LittleEndian.Uint32(blob[4:]); got != chainedStartsOffset {
		t.Fatalf("starts_offset = %d, want %d", got, chainedStartsOffset)
	}
	if got := binary.LittleEndian.Uint32(blob[20:]); got != chainedImportsFormat {
		t.Fatalf("imports_format = %d, want %d", got, chainedImportsFormat)
	}
	starts := blob[chainedStartsOffset:]
	segCount := binary.LittleEndian.Uint32(starts)
	if int(segCount) != len(c.Regions) {
		t.Fatalf("seg_count = %d, want %d", segCount, len(c.Regions))
	}

	var stride uint64 = 4
	if c.Arch == "x86_64" {
		stride = 1
	}

	var ptrs []uint64
	for i := range segCount {
		off := binary.LittleEndian.Uint32(starts[4+4*i:])
		if off == 0 {
			continue
		}
		seg := starts[off:]
		pageSize := uint64(binary.LittleEndian.Uint16(seg[4:]))
		segOff := binary.LittleEndian.Uint64(seg[8:])
		if r := c.Regions[i]; segOff != r.FileOffset {
			t.Errorf("%s: segment_offset = %#x, want %#x", r.Name, segOff, r.FileOffset)
		}
		pageCount := binary.LittleEndian.Uint16(seg[20:])
		for p := range uint64(pageCount) {
			start := binary.LittleEndian.Uint16(seg[22+2*p:])
			if start == chainedPageStartNone {
				continue
			}
			at := segOff + p*pageSize + uint64(start)
			for {
				raw := binary.LittleEndian.Uint64(c.Bytes[at:])
				ptrs = append(ptrs, c.BaseAddress+at)
				next := decodeChainedPointer(raw).Next
				if next == 0 {
					break
				}
				at += next * stride
			}
		}
	}
	return ptrs
}

func TestChainedFixupsBlob(t *testing.T) {
	for _, arch := range []string{"arm64e", "x86_64"} {
		t.Run(arch, func(t *testing.T) {
			kext := kextModule("com.example.a", kernelID)
			img := imageOf(kext)
			img.Fixes = []inspect.Fixup{
				{Kind: inspect.Rebase, Addr: srcData, Target: srcText},
				{Kind: inspect.Rebase, Addr: srcData + 0x10, Target: srcData},
				{Kind: inspect.Bind, Addr: srcDataConst, Symbol: "_kernel_data"},
			}

			ctx, err := newBuildContext(rootOptions(arch, kernelModule(), kext))
			if err != nil {
				t.Fatal(err)
			}
			c, err := ctx.build()
			if err != nil {
				t.Fatalf("build() error = %v", err)
			}

			ptrs := walkChains(t, c, ctx.chainedOff)
			if len(ptrs) != c.Tracker.Len() {
				t.Fatalf("chains hold %d pointers, tracker %d", len(ptrs), c.Tracker.Len())
			}
			for _, addr := range ptrs {
				var tracked bool
				for _, r := range c.Regions {
					if r.Contains(addr) {
						_, tracked = c.Tracker.Has(r.Location(addr))
					}
				}
				if !tracked {
					t.Errorf("chain visits untracked slot %#x", addr)
				}
			}
		})
	}
}
