package kmutil

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNoValidInputs is returned when no module with code was accepted
	ErrNoValidInputs = errors.New("no valid inputs")
	// ErrModulesFailed wraps every build that failed because of per-module errors
	ErrModulesFailed = errors.New("one or more modules failed")
	// ErrCapacity is returned when a region, the level space or the image size overflows
	ErrCapacity          = errors.New("capacity exceeded")
	ErrUndefinedSymbol   = errors.New("undefined symbol")
	ErrWeakWithoutTest   = errors.New("weak import without sentinel test")
	ErrMalformedVTable   = errors.New("malformed vtable")
	ErrVTableCycle       = errors.New("vtable hierarchy has a cycle or no root")
	ErrMalformedFixup    = errors.New("malformed fixup")
	ErrSerialization     = errors.New("serialization failed")
	ErrUnsupported       = errors.New("unsupported")
	errDependencyMissing = errors.New("dependency not found")
)

// Diagnostics is the private error sink of a module
type Diagnostics struct {
	mu   sync.Mutex
	errs []error
}

// Error records err
func (d *Diagnostics) Error(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

// Errorf records a formatted error
func (d *Diagnostics) Errorf(format string, args ...any) {
	d.Error(fmt.Errorf(format, args...))
}

// Errors returns a copy of the recorded errors
func (d *Diagnostics) Errors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.errs)
}

func (d *Diagnostics) HasErrors() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.errs) > 0
}

// BuildError is returned by Build. It carries build-wide errors and the
// errors recorded against each module identity.
type BuildError struct {
	Errs    []error
	Modules map[string][]error
}

func (e *BuildError) Error() string {
	var lines []string
	for _, err := range e.Errs {
		lines = append(lines, err.Error())
	}
	if len(e.Modules) > 0 {
		lines = append(lines, ErrModulesFailed.Error())
		for _, id := range slices.Sorted(maps.Keys(e.Modules)) {
			for _, err := range e.Modules[id] {
				lines = append(lines, fmt.Sprintf("  %s: %v", id, err))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// Unwrap exposes every wrapped error so errors.Is/As see sentinels recorded
// against individual modules too.
func (e *BuildError) Unwrap() []error {
	errs := slices.Clone(e.Errs)
	if len(e.Modules) > 0 {
		errs = append(errs, ErrModulesFailed)
		for _, id := range slices.Sorted(maps.Keys(e.Modules)) {
			errs = append(errs, e.Modules[id]...)
		}
	}
	return errs
}

// ModuleErrors returns the per-module view of the failure
func (e *BuildError) ModuleErrors() map[string][]error {
	return e.Modules
}

// moduleFailures collects the diagnostics of every module; nil when all are clean
func moduleFailures(mods []*Module, global ...error) error {
	be := &BuildError{Modules: make(map[string][]error)}
	for _, err := range global {
		if err != nil {
			be.Errs = append(be.Errs, err)
		}
	}
	for _, m := range mods {
		if errs := m.Diag().Errors(); len(errs) > 0 {
			be.Modules[m.ID] = append(be.Modules[m.ID], errs...)
		}
	}
	if len(be.Errs) == 0 && len(be.Modules) == 0 {
		return nil
	}
	if len(be.Modules) == 0 {
		be.Modules = nil
	}
	return be
}
