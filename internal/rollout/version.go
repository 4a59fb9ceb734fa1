// Package rollout compares agent versions and decides, per machine, whether
// an update is offered during a staged rollout.
package rollout

import (
	"regexp"
	"strconv"
	"strings"
)

var leadingDigits = regexp.MustCompile(`^\d+`)

// Compare compares two dot-separated numeric versions.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
//
// Components are compared as integers, so 1.2.10 > 1.2.9. Missing components
// count as zero (1.2 == 1.2.0). A leading "v" and any "-pre" or "+build"
// suffix are ignored.
func Compare(a, b string) int {
	pa := Parse(a)
	pb := Parse(b)

	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

// IsBehind reports whether current is older than target.
func IsBehind(current, target string) bool {
	return Compare(current, target) < 0
}

// Parse returns the numeric components of v. Non-numeric components
// parse as zero.
func Parse(v string) []int {
	v = normalizeVersion(v)
	if idx := strings.IndexAny(v, "-+"); idx != -1 {
		v = v[:idx]
	}
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		// Strip any non-numeric suffix
		if num, err := strconv.Atoi(leadingDigits.FindString(p)); err == nil {
			out[i] = num
		}
	}
	return out
}

// normalizeVersion strips a 'v' prefix and surrounding space
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimPrefix(v, "V")
	return v
}
