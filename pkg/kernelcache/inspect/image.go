package inspect

import (
	"fmt"
	"iter"
	"slices"
)

// Image is an in-memory Inspector. It backs synthetic payloads and tests, and
// is what callers hand the builder when they already parsed an image
// themselves.
type Image struct {
	Base     uint64
	Compact  bool
	Segs     []Segment
	Sects    []Section
	Exports  []Symbol
	Locals   []Symbol
	Fixes    []Fixup
	Contents map[string][]byte // "segment,section" -> bytes
	Children []Entry
}

var _ Collection = (*Image)(nil)

func (i *Image) Segments() iter.Seq[Segment]       { return slices.Values(i.Segs) }
func (i *Image) Sections() iter.Seq[Section]       { return slices.Values(i.Sects) }
func (i *Image) ExportedSymbols() iter.Seq[Symbol] { return slices.Values(i.Exports) }
func (i *Image) LocalSymbols() iter.Seq[Symbol]    { return slices.Values(i.Locals) }
func (i *Image) HasCompactRelocationFormat() bool  { return i.Compact }

func (i *Image) Fixups() iter.Seq2[Fixup, error] {
	return func(yield func(Fixup, error) bool) {
		for _, f := range i.Fixes {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (i *Image) SectionContent(segment, section string) ([]byte, error) {
	if dat, ok := i.Contents[segment+","+section]; ok {
		return dat, nil
	}
	for _, sect := range i.Sects {
		if sect.Segment != segment || sect.Name != section {
			continue
		}
		for _, seg := range i.Segs {
			if seg.Name != segment || sect.Addr < seg.Addr {
				continue
			}
			off := sect.Addr - seg.Addr
			if off+sect.Size > uint64(len(seg.Data)) {
				return nil, fmt.Errorf("section %s.%s extends past segment data", segment, section)
			}
			return seg.Data[off : off+sect.Size], nil
		}
	}
	return nil, fmt.Errorf("section %s.%s not found", segment, section)
}

func (i *Image) PreferredLoadAddress() uint64 {
	if i.Base != 0 || len(i.Segs) == 0 {
		return i.Base
	}
	return i.Segs[0].Addr
}

// Entries returns the child modules of a collection image. An image with no
// children is reported as a single unnamed entry.
func (i *Image) Entries() ([]Entry, error) {
	if len(i.Children) == 0 {
		return []Entry{{Image: i}}, nil
	}
	return i.Children, nil
}
