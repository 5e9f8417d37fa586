package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a server protocol version. The server reports it as a dotted
// string ("1.0.0"); only the first three numeric components are significant
// for compatibility checks.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a dotted version string, ignoring any components after
// the third. Missing components default to zero.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	var v Version
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("spalloc: bad version %q: %w", s, err)
		}
		*fields[i] = n
	}
	if len(parts) == 0 || parts[0] == "" {
		return Version{}, fmt.Errorf("spalloc: empty version string")
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v sorts before, equal to, or after o.
func (v Version) Compare(o Version) int {
	pairs := [3][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// In reports whether v lies in the half-open range [lo, hi).
func (v Version) In(lo, hi Version) bool {
	return v.Compare(lo) >= 0 && v.Compare(hi) < 0
}
