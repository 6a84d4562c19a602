package kmutil

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

// StripMode is the link-edit policy applied to a module
type StripMode uint8

const (
	StripNone StripMode = iota
	// StripLocals drops local symbols from the module's symbol table
	StripLocals
	// StripAll drops the module's link-edit data entirely
	StripAll
)

func (s StripMode) String() string {
	switch s {
	case StripNone:
		return "none"
	case StripLocals:
		return "locals"
	case StripAll:
		return "all"
	default:
		return fmt.Sprintf("StripMode(%d)", s)
	}
}

// ParseStripMode parses none/locals/all
func ParseStripMode(s string) (StripMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return StripNone, nil
	case "locals":
		return StripLocals, nil
	case "all":
		return StripAll, nil
	}
	return 0, fmt.Errorf("invalid strip mode %q", s)
}

// Info is a module metadata document (a decoded Info.plist)
type Info map[string]any

const (
	infoBundleID         = "CFBundleIdentifier"
	infoBundleVersion    = "CFBundleVersion"
	infoCompatVersion    = "OSBundleCompatibleVersion"
	infoBundleLibraries  = "OSBundleLibraries"
	infoPrelinkBundle    = "_PrelinkBundlePath"
	infoPrelinkLoadAddr  = "_PrelinkExecutableLoadAddr"
	infoPrelinkExecSize  = "_PrelinkExecutableSize"
	infoPrelinkDict      = "_PrelinkInfoDictionary"
	infoPrelinkKCID      = "_PrelinkKCID"
	infoBundleExecutable = "CFBundleExecutable"
)

// String returns a string valued key
func (i Info) String(key string) string {
	if s, ok := i[key].(string); ok {
		return s
	}
	return ""
}

// Libraries returns the OSBundleLibraries map (dependency id -> required version)
func (i Info) Libraries() map[string]string {
	libs := make(map[string]string)
	switch v := i[infoBundleLibraries].(type) {
	case map[string]any:
		for id, ver := range v {
			s, _ := ver.(string)
			libs[id] = s
		}
	case map[string]string:
		maps.Copy(libs, v)
	}
	return libs
}

// Augment returns a copy of the document with extra keys set. The receiver
// is never modified.
func (i Info) Augment(extra map[string]any) Info {
	out := make(Info, len(i)+len(extra))
	maps.Copy(out, i)
	maps.Copy(out, extra)
	return out
}

// SegmentMapping places one source segment of a module in the output
type SegmentMapping struct {
	Segment      inspect.Segment
	Region       *Region // nil for empty segments
	RegionOffset uint64
	FileOffset   uint64
	Addr         uint64 // unslid destination VM address
	Size         uint64 // destination size
	CopySize     uint64 // file backed bytes copied; the rest is zero fill
}

// Contains reports whether the source address falls in the mapped segment
func (sm *SegmentMapping) Contains(srcAddr uint64) bool {
	return srcAddr >= sm.Segment.Addr && srcAddr < sm.Segment.Addr+sm.Size
}

// Module is one kernel or extension binary embedded into a collection
type Module struct {
	ID           string
	Path         string
	Dependencies []string // ordered
	Strip        StripMode
	Info         Info
	Image        inspect.Inspector // nil for codeless modules
	// Root marks the kernel of a root collection
	Root bool

	Mappings []*SegmentMapping

	diag Diagnostics
}

// clone copies the module's inputs. Mappings and diagnostics belong to one
// build, so the copy starts without them.
func (m *Module) clone() *Module {
	return &Module{
		ID:           m.ID,
		Path:         m.Path,
		Dependencies: slices.Clone(m.Dependencies),
		Strip:        m.Strip,
		Info:         m.Info,
		Image:        m.Image,
		Root:         m.Root,
	}
}

// Diag returns the module's private diagnostic sink
func (m *Module) Diag() *Diagnostics { return &m.diag }

// HasCode reports whether the module contributes segments to the image
func (m *Module) HasCode() bool { return inspect.HasCode(m.Image) }

// AppleInternal reports whether the module is a first party bundle
func (m *Module) AppleInternal() bool { return isAppleInternal(m.ID) }

func isAppleInternal(id string) bool {
	return strings.HasPrefix(id, "com.apple.")
}

func (m *Module) packable() bool {
	return m.Root || m.Image.HasCompactRelocationFormat()
}

// translate maps a source VM address to its destination address
func (m *Module) translate(srcAddr uint64) (uint64, bool) {
	if mp := m.mappingFor(srcAddr); mp != nil {
		return mp.Addr + (srcAddr - mp.Segment.Addr), true
	}
	return 0, false
}

func (m *Module) mappingFor(srcAddr uint64) *SegmentMapping {
	for _, mp := range m.Mappings {
		if mp.Region != nil && mp.Contains(srcAddr) {
			return mp
		}
	}
	// pointers one past the end of a segment are legal targets
	for _, mp := range m.Mappings {
		if mp.Region != nil && mp.Size > 0 && srcAddr == mp.Segment.Addr+mp.Size {
			return mp
		}
	}
	return nil
}

// headerMapping returns the mapping that holds the module's mach header
func (m *Module) headerMapping() *SegmentMapping {
	for _, mp := range m.Mappings {
		if mp.Region != nil && mp.Segment.Offset == 0 && mp.Segment.FileSize > 0 {
			return mp
		}
	}
	for _, mp := range m.Mappings {
		if mp.Region != nil && mp.Size > 0 {
			return mp
		}
	}
	return nil
}

// EntryAddr is the VM address of the module's fileset entry
func (m *Module) EntryAddr() uint64 {
	if mp := m.headerMapping(); mp != nil {
		return mp.Addr
	}
	return 0
}

// EntryOffset is the file offset of the module's fileset entry
func (m *Module) EntryOffset() uint64 {
	if mp := m.headerMapping(); mp != nil {
		return mp.FileOffset
	}
	return 0
}

// Size is the number of destination bytes the module occupies
func (m *Module) Size() uint64 {
	var size uint64
	for _, mp := range m.Mappings {
		size += mp.Size
	}
	return size
}

func sortModules(mods []*Module) {
	slices.SortStableFunc(mods, func(a, b *Module) int {
		rank := func(m *Module) int {
			switch {
			case m.Root:
				return 0
			case !m.HasCode():
				return 3
			case m.packable():
				return 1
			default:
				return 2
			}
		}
		if d := rank(a) - rank(b); d != 0 {
			return d
		}
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// PendingBind is a bind that could not be resolved from the module's
// dependencies. It must be resolved by v-table patching or the build fails.
type PendingBind struct {
	Module   string
	Symbol   string
	Addr     uint64
	Location aslr.Location
	Auth     *inspect.PointerAuth
}

// UserSection is an operator supplied raw payload
type UserSection struct {
	Segment string
	Section string // empty for a section-less segment
	Data    []byte
}
