// Package aslr tracks the pointer locations of a kernel collection that the
// loader has to slide at boot.
package aslr

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Level identifies the collection an address belongs to
type Level uint8

// MaxLevels is the number of collection levels the chained pointer format can address
const MaxLevels = 4

const (
	LevelRoot      Level = 0 // kernel collection
	LevelPageable  Level = 1 // pageable add-on collection
	LevelAuxiliary Level = 3 // auxiliary add-on collection
)

// ErrInvalidLevel is returned for levels outside [0, MaxLevels)
var ErrInvalidLevel = errors.New("invalid collection level")

// Valid reports whether l fits the 2 bit cacheLevel field
func (l Level) Valid() bool { return l < MaxLevels }

func (l Level) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelPageable:
		return "pageable"
	case LevelAuxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("level%d", uint8(l))
	}
}

// Location is a pointer sized slot in the output image, addressed relative to
// its region.
type Location struct {
	Region int
	Offset uint64
}

func (l Location) String() string {
	return fmt.Sprintf("region%d+%#x", l.Region, l.Offset)
}

// Compare orders locations by region then offset
func (l Location) Compare(o Location) int {
	switch {
	case l.Region < o.Region:
		return -1
	case l.Region > o.Region:
		return 1
	case l.Offset < o.Offset:
		return -1
	case l.Offset > o.Offset:
		return 1
	}
	return 0
}

// Auth is the arm64e pointer authentication data of a slot
type Auth struct {
	Diversity uint16
	AddrDiv   bool
	Key       uint8
}

// Entry is what the tracker knows about one slot
type Entry struct {
	Level Level
	Auth  *Auth
}

// Tracker is the side table mapping output locations to the level their
// pointer targets. It is not safe for concurrent writers; the builder only
// mutates it from its single threaded reduce steps.
type Tracker struct {
	entries map[Location]Entry
}

// NewTracker returns an empty tracker
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[Location]Entry)}
}

// Add records that loc holds a pointer into level
func (t *Tracker) Add(loc Location, level Level) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d at %s", ErrInvalidLevel, level, loc)
	}
	e := t.entries[loc]
	e.Level = level
	t.entries[loc] = e
	return nil
}

// SetAuth attaches pointer authentication data to an already tracked slot
func (t *Tracker) SetAuth(loc Location, auth Auth) error {
	e, ok := t.entries[loc]
	if !ok {
		return fmt.Errorf("no pointer tracked at %s", loc)
	}
	e.Auth = &auth
	t.entries[loc] = e
	return nil
}

// Has returns the level of a tracked slot
func (t *Tracker) Has(loc Location) (Level, bool) {
	e, ok := t.entries[loc]
	return e.Level, ok
}

// Get returns the full entry of a tracked slot
func (t *Tracker) Get(loc Location) (Entry, bool) {
	e, ok := t.entries[loc]
	return e, ok
}

// Remove forgets a slot
func (t *Tracker) Remove(loc Location) {
	delete(t.entries, loc)
}

// Len returns the number of tracked slots
func (t *Tracker) Len() int { return len(t.entries) }

// Locations returns every tracked slot in region/offset order
func (t *Tracker) Locations() []Location {
	return slices.SortedFunc(maps.Keys(t.entries), Location.Compare)
}

// Merge copies every entry of o into t, overwriting existing slots
func (t *Tracker) Merge(o *Tracker) {
	maps.Copy(t.entries, o.entries)
}
