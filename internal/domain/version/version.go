// Package version implements prerelease-aware semantic version comparison for
// winget package versions.
package version

import (
	"strconv"
	"strings"
)

// Compare compares two version strings and returns -1, 0, or 1 when a is
// older than, equal to, or newer than b.
//
// Numeric release components compare numerically (missing components are
// zero). Prerelease identifiers compare per semver: numeric identifiers
// numerically, non-numeric identifiers lexically, and a version carrying a
// prerelease tag sorts before the same release without one.
func Compare(a, b string) int {
	aRelease, aPre := splitPrerelease(normalize(a))
	bRelease, bPre := splitPrerelease(normalize(b))

	if c := compareRelease(aRelease, bRelease); c != 0 {
		return c
	}
	return comparePrerelease(aPre, bPre)
}

// Less reports whether version a sorts strictly before version b.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// IsMajorBump reports whether latest increases the major component over current.
// Used to flag critical updates.
func IsMajorBump(current, latest string) bool {
	return major(latest) > major(current)
}

// major returns the first release component of the normalized version.
func major(v string) int64 {
	release, _ := splitPrerelease(normalize(v))
	return releaseComponent(strings.Split(release, "."), 0)
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimPrefix(v, "V")
	// Build metadata never participates in ordering.
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	return v
}

func splitPrerelease(v string) (string, string) {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

func compareRelease(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av := releaseComponent(as, i)
		bv := releaseComponent(bs, i)
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func releaseComponent(parts []string, i int) int64 {
	if i >= len(parts) {
		return 0
	}
	// Winget versions occasionally carry non-numeric junk in a component;
	// strip trailing non-digits so "2023a" still orders by its numeric prefix.
	s := parts[i]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func comparePrerelease(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		// Release sorts after any prerelease of the same version.
		return 1
	case b == "":
		return -1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if c := comparePrereleaseIdent(as[i], bs[i]); c != 0 {
			return c
		}
	}
	// More identifiers sorts after fewer (1.0.0-rc < 1.0.0-rc.1).
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

func comparePrereleaseIdent(a, b string) int {
	an, aNum := parseNumericIdent(a)
	bn, bNum := parseNumericIdent(b)
	switch {
	case aNum && bNum:
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
		return 0
	case aNum:
		// Numeric identifiers sort before non-numeric ones.
		return -1
	case bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func parseNumericIdent(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Highest returns the highest version in the list, or "" for an empty list.
func Highest(versions []string) string {
	best := ""
	for _, v := range versions {
		if best == "" || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}
