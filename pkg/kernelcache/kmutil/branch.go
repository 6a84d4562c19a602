package kmutil

import (
	"encoding/binary"
	"fmt"
)

const (
	arm64BranchMask   = 0x7C000000
	arm64BranchOpcode = 0x14000000 // B and BL
	arm64BranchRange  = 128 << 20

	arm64ADRPx16   = 0x90000010
	arm64LDRx16x16 = 0xF9400210
	arm64BRx16     = 0xD61F0200
)

// encodeARM64Branch retargets a B/BL instruction at pc
func encodeARM64Branch(instr uint32, pc, target uint64) (uint32, error) {
	if instr&arm64BranchMask != arm64BranchOpcode {
		return 0, fmt.Errorf("%w: instruction %#08x at %#x is not a B/BL", ErrMalformedFixup, instr, pc)
	}
	delta := int64(target - pc)
	if delta&3 != 0 {
		return 0, fmt.Errorf("%w: branch target %#x is not 4 byte aligned", ErrMalformedFixup, target)
	}
	if delta < -arm64BranchRange || delta >= arm64BranchRange {
		return 0, fmt.Errorf("%w: branch from %#x to %#x is out of range", ErrCapacity, pc, target)
	}
	imm26 := uint32(delta>>2) & 0x03FFFFFF
	return instr&0xFC000000 | imm26, nil
}

// encodeX86Rel32 returns the displacement of a rel32 field at pc
func encodeX86Rel32(pc, target uint64) (uint32, error) {
	delta := int64(target - (pc + 4))
	if delta < -1<<31 || delta >= 1<<31 {
		return 0, fmt.Errorf("%w: rel32 from %#x to %#x is out of range", ErrCapacity, pc, target)
	}
	return uint32(int32(delta)), nil
}

func branchInRange(x86 bool, pc, target uint64) bool {
	delta := int64(target - pc)
	if x86 {
		delta -= 4
		return delta >= -1<<31 && delta < 1<<31
	}
	return delta >= -arm64BranchRange && delta < arm64BranchRange
}

// encodeBranch rewrites the branch at addr (region offset off) to target
func (ctx *buildContext) encodeBranch(r *Region, off, addr, target uint64) error {
	if off+4 > uint64(len(r.Data)) {
		return fmt.Errorf("%w: branch at %#x outside region %s", ErrMalformedFixup, addr, r.Name)
	}
	b := r.Data[off : off+4]
	if ctx.arch.isX86() {
		disp, err := encodeX86Rel32(addr, target)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(b, disp)
		return nil
	}
	instr, err := encodeARM64Branch(binary.LittleEndian.Uint32(b), addr, target)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, instr)
	return nil
}

// arm64Stub is adrp x16, got@PAGE; ldr x16, [x16, got@PAGEOFF]; br x16
func arm64Stub(stub, got uint64) ([]byte, error) {
	pages := int64(got>>12) - int64(stub>>12)
	if pages < -1<<20 || pages >= 1<<20 {
		return nil, fmt.Errorf("%w: GOT %#x is out of adrp range of stub %#x", ErrCapacity, got, stub)
	}
	if got&7 != 0 {
		return nil, fmt.Errorf("GOT slot %#x is not 8 byte aligned", got)
	}
	imm := uint32(pages) & 0x1FFFFF
	adrp := arm64ADRPx16 | (imm&3)<<29 | (imm>>2)<<5
	ldr := arm64LDRx16x16 | uint32(got&0xFFF)/8<<10

	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], adrp)
	binary.LittleEndian.PutUint32(b[4:], ldr)
	binary.LittleEndian.PutUint32(b[8:], arm64BRx16)
	return b, nil
}

// x86Stub is jmp *got(%rip)
func x86Stub(stub, got uint64) ([]byte, error) {
	disp := int64(got - (stub + 6))
	if disp < -1<<31 || disp >= 1<<31 {
		return nil, fmt.Errorf("%w: GOT %#x is out of range of stub %#x", ErrCapacity, got, stub)
	}
	b := []byte{0xFF, 0x25, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[2:], uint32(int32(disp)))
	return b, nil
}

func (ctx *buildContext) stubCode(stub, got uint64) ([]byte, error) {
	if ctx.arch.isX86() {
		return x86Stub(stub, got)
	}
	return arm64Stub(stub, got)
}
