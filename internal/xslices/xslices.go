// Package xslices holds small generic slice/map helpers shared by the
// training engine packages.
package xslices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Map returns a new slice with fn applied to every element of in.
func Map[In, Out any](in []In, fn func(In) Out) []Out {
	out := make([]Out, len(in))
	for ii, v := range in {
		out[ii] = fn(v)
	}
	return out
}

// Last returns the last element of s. It panics on an empty slice.
func Last[T any](s []T) T {
	return s[len(s)-1]
}

// SortedKeys returns the keys of m in increasing order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
