package unwind

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	// ErrVersionNoMatch means the version string names no lldb version.
	ErrVersionNoMatch = errors.New("no lldb version in version string")
	// ErrVersionFields means a version was found but a number in it could
	// not be read.
	ErrVersionFields = errors.New("malformed lldb version number")
)

var versionRE = regexp.MustCompile(`[lL][lL][dD][bB]-(\d+)([.](\d+))?([.](\d+))?`)

// Version is the host tool version used to choose between command forms.
// Minor is taken from the third dotted component ("lldb-300.2.24" has
// Major 300, Minor 24); HasMinor is false when that component is absent.
type Version struct {
	Major    int
	Minor    int
	HasMinor bool
}

// VersionError reports a version string that could not be used.
type VersionError struct {
	Input string
	Err   error // ErrVersionNoMatch or ErrVersionFields
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("cannot parse host version %q: %v", e.Input, e.Err)
}

func (e *VersionError) Unwrap() error { return e.Err }

// ParseVersion extracts the lldb version from a host version string.
func ParseVersion(s string) (Version, error) {
	m := versionRE.FindStringSubmatch(s)
	if m == nil {
		return Version{}, &VersionError{Input: s, Err: ErrVersionNoMatch}
	}
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return Version{}, &VersionError{Input: s, Err: ErrVersionFields}
	}
	if m[5] != "" {
		if v.Minor, err = strconv.Atoi(m[5]); err != nil {
			return Version{}, &VersionError{Input: s, Err: ErrVersionFields}
		}
		v.HasMinor = true
	}
	return v, nil
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

func (v Version) String() string {
	if !v.HasMinor {
		return fmt.Sprintf("lldb-%d", v.Major)
	}
	return fmt.Sprintf("lldb-%d.x.%d", v.Major, v.Minor)
}
