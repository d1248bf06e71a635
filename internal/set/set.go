// Package set implements sets for various types. Well, only string for now :)
package set

import "sort"

// String set.
type String struct {
	m map[string]struct{}
}

// NewString returns a new string set, with the given values in it.
func NewString(values ...string) *String {
	s := &String{}
	s.Add(values...)
	return s
}

// Add values to the string set.
func (s *String) Add(values ...string) {
	if s.m == nil {
		s.m = map[string]struct{}{}
	}

	for _, v := range values {
		s.m[v] = struct{}{}
	}
}

// Has checks if the set has the given value.
func (s *String) Has(value string) bool {
	// We explicitly allow s to be nil *in this function* to simplify callers'
	// code.  Note that Add will not tolerate it, and will panic.
	if s == nil || s.m == nil {
		return false
	}
	_, ok := s.m[value]
	return ok
}

// Len returns the number of values in the set.
func (s *String) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}

// Values returns the values in the set, sorted.
func (s *String) Values() []string {
	if s == nil {
		return nil
	}
	vs := make([]string, 0, len(s.m))
	for v := range s.m {
		vs = append(vs, v)
	}
	sort.Strings(vs)
	return vs
}

// Equal checks if both sets contain exactly the same values.
func (s *String) Equal(o *String) bool {
	if s.Len() != o.Len() {
		return false
	}
	if s == nil {
		return true
	}
	for v := range s.m {
		if !o.Has(v) {
			return false
		}
	}
	return true
}

// Union returns a new set with the values that appear in either set.
func (s *String) Union(o *String) *String {
	r := NewString()
	r.Add(s.Values()...)
	r.Add(o.Values()...)
	return r
}

// Intersection returns a new set with the values that appear in both sets.
func (s *String) Intersection(o *String) *String {
	r := NewString()
	if s == nil {
		return r
	}
	for v := range s.m {
		if o.Has(v) {
			r.Add(v)
		}
	}
	return r
}

// Difference returns a new set with the values of s that do not appear in o.
func (s *String) Difference(o *String) *String {
	r := NewString()
	if s == nil {
		return r
	}
	for v := range s.m {
		if !o.Has(v) {
			r.Add(v)
		}
	}
	return r
}
