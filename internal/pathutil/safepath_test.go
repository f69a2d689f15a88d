package pathutil

import (
	"errors"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"items/products", false},
		{"items/./products", true},
		{"items/../users", true},
		{".", true},
		{"..", true},
		{"items/...", false},
		{"assets/.hidden", false},
		{"items/products.v2", false},
		{"items/.", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := HasDotSegments(tt.path); got != tt.want {
				t.Fatalf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestCheckRelative(t *testing.T) {
	tests := []struct {
		path string
		want error
	}{
		{"items/products", nil},
		{"assets/3f2a-uuid", nil},
		{"", ErrEmpty},
		{"/", ErrEmpty},
		{"items/../users", ErrDotSegment},
		{"./items", ErrDotSegment},
		{"items\\users", ErrForbiddenChar},
		{"items/a\x00b", ErrForbiddenChar},
	}
	for _, tt := range tests {
		if err := CheckRelative(tt.path); !errors.Is(err, tt.want) {
			t.Errorf("CheckRelative(%q) = %v, want %v", tt.path, err, tt.want)
		}
	}
}
