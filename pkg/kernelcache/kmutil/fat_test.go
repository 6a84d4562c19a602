package kmutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFat(t *testing.T) {
	var cols []*Collection
	for _, arch := range []string{"arm64e", "x86_64"} {
		c, err := Build(rootOptions(arch, kernelModule()))
		if err != nil {
			t.Fatalf("Build(%s) error = %v", arch, err)
		}
		cols = append(cols, c)
	}

	dat, err := Fat(cols...)
	if err != nil {
		t.Fatalf("Fat() error = %v", err)
	}
	if magic := binary.BigEndian.Uint32(dat); magic != 0xcafebabe {
		t.Fatalf("magic = %#x, want FAT_MAGIC", magic)
	}
	if n := binary.BigEndian.Uint32(dat[4:]); n != 2 {
		t.Fatalf("nfat_arch = %d, want 2", n)
	}
	for i, c := range cols {
		arch := dat[fatHeaderSize+fatArchSize*i:]
		cpu := binary.BigEndian.Uint32(arch)
		off := binary.BigEndian.Uint32(arch[8:])
		size := binary.BigEndian.Uint32(arch[12:])
		align := binary.BigEndian.Uint32(arch[16:])
		if cpu != c.cpu {
			t.Errorf("slice %d cputype = %#x, want %#x", i, cpu, c.cpu)
		}
		if off%(1<<fatAlign) != 0 || align != fatAlign {
			t.Errorf("slice %d at %#x (align %d) is not 16 KiB aligned", i, off, align)
		}
		if int(size) != len(c.Bytes) || !bytes.Equal(dat[off:off+size], c.Bytes) {
			t.Errorf("slice %d does not hold the %s collection", i, c.Arch)
		}
	}
}

func TestFatErrors(t *testing.T) {
	if _, err := Fat(); !errors.Is(err, ErrNoValidInputs) {
		t.Errorf("Fat() error = %v, want %v", err, ErrNoValidInputs)
	}
	c, err := Build(rootOptions("arm64", kernelModule()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Fat(c, c); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Fat(dup) error = %v, want %v", err, ErrUnsupported)
	}
	opts := []Options{rootOptions("arm64", kernelModule()), rootOptions("armv7", kernelModule())}
	if _, err := BuildFat(opts); !errors.Is(err, ErrUnsupported) {
		t.Errorf("BuildFat() error = %v, want %v", err, ErrUnsupported)
	}
}

func TestWriteFile(t *testing.T) {
	c, err := Build(rootOptions("arm64e", kernelModule()))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "out", "BootKernelCollection.kc")
	if err := c.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, c.Bytes) {
		t.Error("written file differs from the collection")
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", fi.Mode().Perm())
	}
	// no temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("output directory holds %d files, want 1", len(entries))
	}

	fat := filepath.Join(t.TempDir(), "fat.kc")
	if err := WriteFat(fat, []Options{rootOptions("arm64e", kernelModule()), rootOptions("x86_64", kernelModule())}); err != nil {
		t.Fatalf("WriteFat() error = %v", err)
	}
	if dat, err := os.ReadFile(fat); err != nil || binary.BigEndian.Uint32(dat) != 0xcafebabe {
		t.Errorf("WriteFat() wrote %d bytes, err %v", len(dat), err)
	}
}
