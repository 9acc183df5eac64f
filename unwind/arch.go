package unwind

import (
	"fmt"
	"strings"
)

// Family identifies the frame-pointer convention used by the walker.
type Family int

const (
	FamilyOther Family = iota // walking is unsupported
	FamilyX86
	FamilyX86_64
	FamilyARM
)

func (f Family) String() string {
	switch f {
	case FamilyX86:
		return "x86"
	case FamilyX86_64:
		return "x86_64"
	case FamilyARM:
		return "arm"
	}
	return "other"
}

// Profile describes the architecture of a target. It is derived once from
// the target triple and never changes during a report.
type Profile struct {
	// PointerWidth is the architecture's pointer size in bytes: 8 for
	// x86_64, 4 for i386 and arm, 0 for unsupported families. The walker
	// and formatter use the process's address size instead, which differs
	// from this for e.g. arm64 triples.
	PointerWidth int
	Family       Family
}

// Classify derives a Profile from a target triple by case-sensitive prefix.
// Unrecognized triples produce a FamilyOther profile, not an error.
func Classify(triple string) Profile {
	switch {
	case strings.HasPrefix(triple, "x86_64"):
		return Profile{PointerWidth: 8, Family: FamilyX86_64}
	case strings.HasPrefix(triple, "i386"):
		return Profile{PointerWidth: 4, Family: FamilyX86}
	case strings.HasPrefix(triple, "arm"):
		return Profile{PointerWidth: 4, Family: FamilyARM}
	}
	return Profile{Family: FamilyOther}
}

// Supported reports whether the walker can follow frame pointers past the
// seed frames.
func (p Profile) Supported() bool {
	return p.Family != FamilyOther
}

// IsX86 reports whether p is one of the x86 families.
func (p Profile) IsX86() bool {
	return p.Family == FamilyX86 || p.Family == FamilyX86_64
}

// CodeAddress strips tag bits that are not part of a code address.
// On ARM, bit 0 selects Thumb mode.
func (p Profile) CodeAddress(pc uint64) uint64 {
	if p.Family == FamilyARM && pc&1 == 1 {
		return pc &^ 1
	}
	return pc
}

func (p Profile) String() string {
	return fmt.Sprintf("%s/%d", p.Family, p.PointerWidth)
}
