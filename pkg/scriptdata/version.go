package scriptdata

import (
	"regexp"
	"strconv"
	"strings"
)

// IsNewerVersion reports whether remote is strictly newer than local. Versions
// are dot-separated fields compared numerically from the left. A missing or
// non-numeric field counts as zero, so "2.1" and "2.1.0" are equal.
func IsNewerVersion(remote, local string) bool {
	r := strings.Split(remote, ".")
	l := strings.Split(local, ".")
	n := max(len(r), len(l))
	for i := 0; i < n; i++ {
		rv, lv := field(r, i), field(l, i)
		if rv > lv {
			return true
		}
		if rv < lv {
			return false
		}
	}
	return false
}

func field(fields []string, i int) int {
	if i >= len(fields) {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
	if err != nil {
		return 0
	}
	return v
}

var configVersionRe = regexp.MustCompile(`version:\s*['"]([^'"]+)['"]`)

// ParseConfigVersion extracts the version from a config script such as
// "const CONFIG = { version: '2.1.0', ... }".
func ParseConfigVersion(text string) (string, bool) {
	m := configVersionRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
