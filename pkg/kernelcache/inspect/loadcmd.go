package inspect

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// raw Mach-O constants used when walking load commands directly
const (
	machHeader64Size = 32

	MHSplitSegs = 0x20

	LCSymtab            = 0x2
	LCDysymtab          = 0xb
	LCSegment64         = 0x19
	LCUUID              = 0x1b
	LCCodeSignature     = 0x1d
	LCSegmentSplitInfo  = 0x1e
	LCFunctionStarts    = 0x26
	LCDataInCode        = 0x29
	LCDyldExportsTrie   = 0x80000033
	LCDyldChainedFixups = 0x80000034
	LCFilesetEntry      = 0x80000035

	SegmentCommand64Size = 72
	Section64Size        = 80
)

// LoadCommand is a view into one load command of a raw Mach-O header. Data
// aliases the header bytes so callers may patch it in place.
type LoadCommand struct {
	Cmd    uint32
	Offset int
	Data   []byte
}

// LoadCommands walks the load commands of a little-endian 64-bit Mach-O header
func LoadCommands(hdr []byte) iter.Seq2[LoadCommand, error] {
	return func(yield func(LoadCommand, error) bool) {
		if len(hdr) < machHeader64Size {
			yield(LoadCommand{}, fmt.Errorf("mach header truncated (%d bytes)", len(hdr)))
			return
		}
		if magic := binary.LittleEndian.Uint32(hdr); magic != 0xfeedfacf {
			yield(LoadCommand{}, fmt.Errorf("unsupported mach header magic %#x", magic))
			return
		}
		ncmds := binary.LittleEndian.Uint32(hdr[16:])
		sizeofcmds := binary.LittleEndian.Uint32(hdr[20:])
		end := machHeader64Size + int(sizeofcmds)
		if end > len(hdr) {
			yield(LoadCommand{}, fmt.Errorf("load commands (%#x bytes) extend past header data", sizeofcmds))
			return
		}
		off := machHeader64Size
		for i := uint32(0); i < ncmds; i++ {
			if off+8 > end {
				yield(LoadCommand{}, fmt.Errorf("load command %d truncated", i))
				return
			}
			cmd := binary.LittleEndian.Uint32(hdr[off:])
			size := int(binary.LittleEndian.Uint32(hdr[off+4:]))
			if size < 8 || off+size > end {
				yield(LoadCommand{}, fmt.Errorf("load command %d has bad size %#x", i, size))
				return
			}
			if !yield(LoadCommand{Cmd: cmd, Offset: off, Data: hdr[off : off+size]}, nil) {
				return
			}
			off += size
		}
	}
}

// HeaderFlags returns the flags field of a raw 64-bit Mach-O header
func HeaderFlags(hdr []byte) uint32 {
	if len(hdr) < machHeader64Size {
		return 0
	}
	return binary.LittleEndian.Uint32(hdr[24:])
}

// SegName decodes a fixed 16 byte segment/section name
func SegName(b []byte) string {
	for i, c := range b[:16] {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b[:16])
}

// PutSegName encodes a fixed 16 byte segment/section name
func PutSegName(b []byte, name string) {
	clear(b[:16])
	copy(b[:16], name)
}

type reloc struct {
	addr    int32
	symbol  uint32
	pcrel   bool
	length  uint8
	extern  bool
	typ     uint8
	scatter bool
}

func parseRelocs(dat []byte, count uint32) ([]reloc, error) {
	if uint64(len(dat)) < uint64(count)*8 {
		return nil, fmt.Errorf("relocation table truncated")
	}
	relocs := make([]reloc, 0, count)
	for i := uint32(0); i < count; i++ {
		addr := binary.LittleEndian.Uint32(dat[i*8:])
		info := binary.LittleEndian.Uint32(dat[i*8+4:])
		relocs = append(relocs, reloc{
			addr:    int32(addr),
			scatter: addr&0x80000000 != 0,
			symbol:  info & 0x00ffffff,
			pcrel:   (info>>24)&1 != 0,
			length:  uint8((info >> 25) & 3),
			extern:  (info>>27)&1 != 0,
			typ:     uint8(info >> 28),
		})
	}
	return relocs, nil
}
