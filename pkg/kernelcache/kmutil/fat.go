package kmutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
)

const (
	fatHeaderSize = 8
	fatArchSize   = 20
	fatAlign      = 14 // log2, 16 KiB
)

// Fat wraps already built collections of different architectures in a
// universal binary
func Fat(cols ...*Collection) ([]byte, error) {
	if len(cols) == 0 {
		return nil, ErrNoValidInputs
	}
	seen := make(map[string]bool)
	for _, c := range cols {
		if seen[c.Arch] {
			return nil, fmt.Errorf("%w: two %s collections in one universal binary", ErrUnsupported, c.Arch)
		}
		seen[c.Arch] = true
	}

	off := alignUp(fatHeaderSize+fatArchSize*uint64(len(cols)), 1<<fatAlign)
	arches := make([]macho.FatArchHeader, 0, len(cols))
	for _, c := range cols {
		size := uint64(len(c.Bytes))
		if off+size > math.MaxUint32 {
			return nil, fmt.Errorf("%w: universal binary exceeds 4 GiB", ErrCapacity)
		}
		arches = append(arches, macho.FatArchHeader{
			CPU:    types.CPU(c.cpu),
			SubCPU: types.CPUSubtype(c.subCPU),
			Offset: uint32(off),
			Size:   uint32(size),
			Align:  fatAlign,
		})
		off = alignUp(off+size, 1<<fatAlign)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, []uint32{uint32(types.MagicFat), uint32(len(cols))}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := binary.Write(&buf, binary.BigEndian, arches); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	out := make([]byte, off)
	copy(out, buf.Bytes())
	for i, c := range cols {
		copy(out[arches[i].Offset:], c.Bytes)
		log.WithFields(log.Fields{
			"arch":   c.Arch,
			"offset": fmt.Sprintf("%#x", arches[i].Offset),
			"size":   humanize.IBytes(uint64(arches[i].Size)),
		}).Debug("Added universal slice")
	}
	return out, nil
}

// BuildFat builds one collection per architecture and returns the universal
// binary holding all of them
func BuildFat(opts []Options) ([]byte, error) {
	var cols []*Collection
	for _, o := range opts {
		c, err := Build(o)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s collection: %w", o.Arch, err)
		}
		cols = append(cols, c)
	}
	return Fat(cols...)
}

// WriteFat builds a universal binary and writes it to path
func WriteFat(path string, opts []Options) error {
	dat, err := BuildFat(opts)
	if err != nil {
		return err
	}
	return writeFile(path, dat)
}
