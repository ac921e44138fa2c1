package pluginkey

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionRegex = regexp.MustCompile(
	`^(\d+)\.(\d+)(?:\.(\d+))?(?:\.(\d+))?` +
		`(?:-([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?` +
		`(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)

// Version is a semantic version with an optional fourth (revision) component.
// Build metadata is accepted by ParseVersion and discarded.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Revision   uint64
	Prerelease string
}

// ParseVersion parses strings such as "1.0", "1.0.1", "1.0.0.1-pre" or "2.1.0+build.5"
func ParseVersion(s string) (Version, error) {
	matches := versionRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	parts := make([]uint64, 4)
	for i := 0; i < 4; i++ {
		if matches[i+1] == "" {
			continue
		}
		n, err := strconv.ParseUint(matches[i+1], 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
		}
		parts[i] = n
	}

	return Version{
		Major:      parts[0],
		Minor:      parts[1],
		Patch:      parts[2],
		Revision:   parts[3],
		Prerelease: matches[5],
	}, nil
}

// MustParseVersion is like ParseVersion but panics on error
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Normalized renders major.minor.patch, the revision when non-zero and the
// prerelease label when present.
func (v Version) Normalized() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Revision > 0 {
		fmt.Fprintf(&b, ".%d", v.Revision)
	}
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	return b.String()
}

func (v Version) String() string {
	return v.Normalized()
}

// MarshalText encodes the normalized form
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.Normalized()), nil
}

// UnmarshalText parses any form accepted by ParseVersion
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// IsPrerelease reports whether the version carries a prerelease label
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

// Compare returns -1, 0 or 1. A release sorts after any of its prereleases.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]uint64{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
		{v.Revision, other.Revision},
	} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}

	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	}
	return comparePrerelease(v.Prerelease, other.Prerelease)
}

// comparePrerelease follows SemVer 2.0 precedence for dot-separated identifiers.
// Identifiers compare case-insensitively, as package registries treat labels.
func comparePrerelease(a, b string) int {
	as := strings.Split(strings.ToLower(a), ".")
	bs := strings.Split(strings.ToLower(b), ".")

	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aErr := strconv.ParseUint(as[i], 10, 64)
		bn, bErr := strconv.ParseUint(bs[i], 10, 64)

		switch {
		case aErr == nil && bErr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aErr == nil:
			return -1 // numeric identifiers have lower precedence
		case bErr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}

	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// Latest returns the highest release version, or the highest prerelease when
// no release exists. ok is false for an empty slice.
func Latest(versions []Version) (latest Version, ok bool) {
	var bestRelease, bestAny *Version
	for i := range versions {
		v := &versions[i]
		if bestAny == nil || v.Compare(*bestAny) > 0 {
			bestAny = v
		}
		if !v.IsPrerelease() && (bestRelease == nil || v.Compare(*bestRelease) > 0) {
			bestRelease = v
		}
	}

	switch {
	case bestRelease != nil:
		return *bestRelease, true
	case bestAny != nil:
		return *bestAny, true
	}
	return Version{}, false
}
