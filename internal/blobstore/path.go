package blobstore

import "strings"

// Separator joins path elements into a key prefix.
const Separator = "/"

// Path is an ordered list of path elements naming a container. The zero
// value is the root path.
type Path struct {
	elems []string
}

// NewPath returns a Path of the non-empty elements.
func NewPath(elems ...string) Path {
	var p Path
	for _, e := range elems {
		p = p.Add(e)
	}
	return p
}

// ParsePath splits a slash-separated string into a Path. Leading, trailing
// and repeated separators are ignored.
func ParsePath(s string) Path {
	return NewPath(strings.Split(s, Separator)...)
}

// Add returns a new Path with elem appended. An empty elem is ignored.
func (p Path) Add(elem string) Path {
	elem = strings.Trim(elem, Separator)
	if elem == "" {
		return p
	}
	elems := make([]string, len(p.elems), len(p.elems)+1)
	copy(elems, p.elems)
	return Path{elems: append(elems, elem)}
}

// Elements returns a copy of the path elements.
func (p Path) Elements() []string {
	return append([]string(nil), p.elems...)
}

// IsRoot reports whether p has no elements.
func (p Path) IsRoot() bool { return len(p.elems) == 0 }

// String returns the key prefix for p: the elements joined and terminated
// by Separator, or "" for the root path.
func (p Path) String() string {
	if len(p.elems) == 0 {
		return ""
	}
	return strings.Join(p.elems, Separator) + Separator
}
