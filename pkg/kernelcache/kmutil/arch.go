package kmutil

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	maxCollectionSize  = 1 << 30  // 30 bit chained pointer target
	maxX86RootSize     = 64 << 20 // x86_64 kernels are mapped below the 64 MiB boot window
	pointerSize        = 8
	moduleMinAlignment = 16

	// DYLD_CHAINED_PTR_64_KERNEL_CACHE / DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
	ptrFormatKernelCache    = 8
	ptrFormatX86KernelCache = 11
)

type archInfo struct {
	name          string
	cpu           types.CPU
	subCPU        types.CPUSubtype
	pageSize      uint64
	defaultBase   uint64
	pointerFormat uint16
	stride        uint64
	stubSize      uint64
	auth          bool
}

var archs = map[string]*archInfo{
	"arm64": {
		name:          "arm64",
		cpu:           types.CPUArm64,
		subCPU:        types.CPUSubtypeArm64All,
		pageSize:      0x4000,
		defaultBase:   0xfffffe0007004000,
		pointerFormat: ptrFormatKernelCache,
		stride:        4,
		stubSize:      12,
	},
	"arm64e": {
		name:          "arm64e",
		cpu:           types.CPUArm64,
		subCPU:        types.CPUSubtypeArm64E,
		pageSize:      0x4000,
		defaultBase:   0xfffffe0007004000,
		pointerFormat: ptrFormatKernelCache,
		stride:        4,
		stubSize:      12,
		auth:          true,
	},
	"x86_64": {
		name:          "x86_64",
		cpu:           types.CPUAmd64,
		subCPU:        types.CPUSubtypeX8664All,
		pageSize:      0x1000,
		defaultBase:   0xffffff8000200000,
		pointerFormat: ptrFormatX86KernelCache,
		stride:        1,
		stubSize:      6,
	},
}

func lookupArch(name string) (*archInfo, error) {
	switch name {
	case "", "arm64e":
		return archs["arm64e"], nil
	case "i386", "armv7", "armv7k", "arm64_32":
		return nil, fmt.Errorf("%w: 32-bit output (%s)", ErrUnsupported, name)
	}
	if a, ok := archs[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: arch %s", ErrUnsupported, name)
}

func (a *archInfo) isX86() bool { return a.cpu == types.CPUAmd64 }

func (a *archInfo) maxSize(kind Kind) uint64 {
	if a.isX86() && kind == KindRoot {
		return maxX86RootSize
	}
	return maxCollectionSize
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
