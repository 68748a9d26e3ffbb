package compiler_test

import (
	"testing"

	"github.com/openeuler-mirror/syscare/internal/compiler"
)

func TestClassifyProducer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		producer string
		want     compiler.Family
	}{
		{"GNU C17 11.4.0", compiler.FamilyC},
		{"GNU C++17 11.4.0", compiler.FamilyCxx},
		{"clang version 15.0.0", compiler.FamilyC},
		{"clang++ version 15.0.0", compiler.FamilyCxx},
		{"GNU AS 2.38", compiler.FamilyAsm},
	}
	for _, tc := range tests {
		if got := compiler.ClassifyProducer(tc.producer); got != tc.want {
			t.Errorf("ClassifyProducer(%q) = %v, want %v", tc.producer, got, tc.want)
		}
	}
}

func TestDominantFamilyCxxWins(t *testing.T) {
	t.Parallel()
	got := compiler.DominantFamily([]string{"GNU C 11.4.0", "GNU C++17 11.4.0"})
	if got != compiler.FamilyCxx {
		t.Fatalf("DominantFamily() = %v, want FamilyCxx", got)
	}
}

func TestDominantFamilyAllC(t *testing.T) {
	t.Parallel()
	got := compiler.DominantFamily([]string{"GNU C 11.4.0", "GNU C 11.4.0"})
	if got != compiler.FamilyC {
		t.Fatalf("DominantFamily() = %v, want FamilyC", got)
	}
}
