package rollout

import (
	"reflect"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		// Basic comparisons
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.0.1", "1.0.0", 1},
		{"2.0.0", "1.9.9", 1},

		// Numeric, not lexicographic
		{"1.2.10", "1.2.9", 1},
		{"1.10", "1.9", 1},

		// Missing components are zero
		{"1.2", "1.2.0", 0},
		{"1", "1.0.0.0", 0},
		{"1.2", "1.2.0.1", -1},

		// Prefix and suffixes
		{"v1.0.0", "1.0.0", 0},
		{"1.2.0-beta.1", "1.2.0", 0},
		{"1.2.0+build7", "1.2.1", -1},

		{"", "0.0.1", -1},
		{"", "", 0},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"1.2.3", []int{1, 2, 3}},
		{" v4.5 ", []int{4, 5}},
		{"1.x.3", []int{1, 0, 3}},
		{"2.0rc1.4", []int{2, 0, 4}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Parse(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsBehind(t *testing.T) {
	if !IsBehind("1.0.0", "1.0.1") {
		t.Error("1.0.0 should be behind 1.0.1")
	}
	if IsBehind("1.0.1", "1.0.1") {
		t.Error("equal versions are not behind")
	}
}
