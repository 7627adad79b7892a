// Package shared provides small helpers used across layers.
package shared

import "sort"

// CloneSlice returns a shallow copy of a slice. A nil input stays nil.
func CloneSlice[T any](src []T) []T {
	if src == nil {
		return nil
	}
	out := make([]T, len(src))
	copy(out, src)
	return out
}

// CloneSliceMap copies a map of slices so that neither the map nor the
// slices are shared with the source.
func CloneSliceMap[K comparable, V any](src map[K][]V) map[K][]V {
	if src == nil {
		return nil
	}
	out := make(map[K][]V, len(src))
	for k, v := range src {
		out[k] = CloneSlice(v)
	}
	return out
}

// SortedIntKeys returns the keys of an int-keyed map in ascending order.
// Iteration order over Go maps is random; callers that must behave the same
// on every rank use this instead of ranging over the map.
func SortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// SortedStringKeys returns the keys of a string-keyed map in ascending order.
func SortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
