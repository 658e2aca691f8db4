package thingsboard

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MaxSharedAttributes bounds an AttributeSet. The device keeps one
// callback slot per attribute.
const MaxSharedAttributes = 16

// ErrTooManyAttributes is returned by NewAttributeSet when the list
// exceeds MaxSharedAttributes.
var ErrTooManyAttributes = errors.New("too many shared attributes")

// AttributeSet is an immutable, ordered list of shared attribute names.
// The zero value is an empty set.
type AttributeSet struct {
	names []string
}

// NewAttributeSet builds a set from names, dropping blanks and
// duplicates while keeping the first occurrence's position.
func NewAttributeSet(names ...string) (AttributeSet, error) {
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	if len(out) > MaxSharedAttributes {
		return AttributeSet{}, fmt.Errorf("%w: %d (max %d)", ErrTooManyAttributes, len(out), MaxSharedAttributes)
	}
	return AttributeSet{names: out}, nil
}

// Names returns a copy of the names in order.
func (s AttributeSet) Names() []string {
	return slices.Clone(s.names)
}

// Len returns the number of names.
func (s AttributeSet) Len() int { return len(s.names) }

// Contains reports whether name is in the set.
func (s AttributeSet) Contains(name string) bool {
	return slices.Contains(s.names, name)
}

// String returns the comma-separated form used in attribute requests.
func (s AttributeSet) String() string {
	return strings.Join(s.names, ",")
}

// filter returns the entries of attrs whose keys are in the set.
func (s AttributeSet) filter(attrs map[string]any) map[string]any {
	var out map[string]any
	for k, v := range attrs {
		if !s.Contains(k) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}
