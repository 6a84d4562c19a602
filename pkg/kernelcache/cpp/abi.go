// Package cpp holds the C++ object model conventions the kernel collection
// builder relies on to rediscover the libkern class hierarchy from symbols.
package cpp

import (
	"strconv"
	"strings"
)

// ABI isolates the name-mangling convention used to link a class to its
// meta-class, its superclass and its v-tables. Class identifiers are opaque to
// callers; they are only ever passed back into the same ABI.
type ABI interface {
	// ClassNameFromSuperPointerSymbol returns the class whose superclass
	// pointer is named sym
	ClassNameFromSuperPointerSymbol(sym string) (string, bool)
	// ClassNameFromMetaClassSymbol returns the class whose meta-class
	// instance is named sym
	ClassNameFromMetaClassSymbol(sym string) (string, bool)
	// VTableSymbolsForClass returns the candidate v-table symbols of a class in
	// lookup order
	VTableSymbolsForClass(class string) []string
	MetaClassVTableSymbolForClass(class string) string
	// IsRootClass reports whether class is the root of the hierarchy
	IsRootClass(class string) bool
	// MetaClassRootVTableSymbol is the v-table every meta-class v-table
	// ultimately inherits from
	MetaClassRootVTableSymbol() string
	PureVirtualSymbol() string
	// VTableHeaderSize is the number of bytes before the first method slot
	VTableHeaderSize() uint64
	// MethodDiscriminator returns the pointer authentication discriminator of a
	// virtual method
	MethodDiscriminator(sym string) (uint16, bool)
	Demangle(class string) string
}

const (
	superClassToken    = "10superClassE"
	metaClassToken     = "10gMetaClassE"
	nestedNamePrefix   = "__ZN"
	vtablePrefix       = "__ZTV"
	nestedVTablePrefix = "__ZTVN"
	metaClassSuffix    = "9MetaClassE"

	rootClass               = "8OSObject"
	metaClassRootVTable     = "__ZTV11OSMetaClass"
	pureVirtual             = "___cxa_pure_virtual"
	itaniumVTableHeaderSize = 16 // offset-to-top + RTTI pointer
)

// Itanium is the libkern flavour of the Itanium C++ ABI. Class identifiers are
// the mangled <nested-name> fragment, e.g. "8OSObject" or "5IOKit9IOService".
type Itanium struct{}

var _ ABI = Itanium{}

func trimToken(sym, token string) (string, bool) {
	if !strings.HasPrefix(sym, nestedNamePrefix) || !strings.HasSuffix(sym, token) {
		return "", false
	}
	class := strings.TrimSuffix(strings.TrimPrefix(sym, nestedNamePrefix), token)
	if class == "" {
		return "", false
	}
	return class, true
}

func (Itanium) ClassNameFromSuperPointerSymbol(sym string) (string, bool) {
	return trimToken(sym, superClassToken)
}

func (Itanium) ClassNameFromMetaClassSymbol(sym string) (string, bool) {
	return trimToken(sym, metaClassToken)
}

func (Itanium) VTableSymbolsForClass(class string) []string {
	return []string{
		vtablePrefix + class,
		nestedVTablePrefix + class + "E",
	}
}

func (Itanium) MetaClassVTableSymbolForClass(class string) string {
	return nestedVTablePrefix + class + metaClassSuffix
}

func (Itanium) IsRootClass(class string) bool     { return class == rootClass }
func (Itanium) MetaClassRootVTableSymbol() string { return metaClassRootVTable }
func (Itanium) PureVirtualSymbol() string         { return pureVirtual }
func (Itanium) VTableHeaderSize() uint64          { return itaniumVTableHeaderSize }

func (Itanium) MethodDiscriminator(sym string) (uint16, bool) {
	return computePAC(sym)
}

// Demangle turns a length prefixed nested name into "A::B"; fragments it does
// not understand are returned as is.
func (Itanium) Demangle(class string) string {
	var parts []string
	for s := class; s != ""; {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		n, err := strconv.Atoi(s[:i])
		if i == 0 || err != nil || i+n > len(s) {
			return class
		}
		parts = append(parts, s[i:i+n])
		s = s[i+n:]
	}
	return strings.Join(parts, "::")
}
