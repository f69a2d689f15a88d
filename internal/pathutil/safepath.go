// Package pathutil checks request paths before they are joined onto an
// upstream base URL.
package pathutil

import (
	"errors"
	"strings"
)

var (
	ErrEmpty         = errors.New("empty path")
	ErrDotSegment    = errors.New("dot segment")
	ErrForbiddenChar = errors.New("forbidden character")
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CheckRelative validates an already unescaped, slash separated path that
// will be appended below an upstream root. Backslashes and NUL are refused
// because some servers treat them as separators or terminators.
func CheckRelative(p string) error {
	switch {
	case strings.TrimLeft(p, "/") == "":
		return ErrEmpty
	case HasDotSegments(p):
		return ErrDotSegment
	case strings.ContainsAny(p, "\\\x00"):
		return ErrForbiddenChar
	}
	return nil
}
