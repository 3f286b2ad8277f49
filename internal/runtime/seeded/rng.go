// Package seeded derives reproducible pseudo-random choices from string keys so
// regenerating a slide with the same seed yields the same visual result.
package seeded

import (
	"math/bits"
	"unicode/utf16"
)

// Generator yields floats in [0, 1). Instances are not safe for concurrent use.
type Generator func() float64

// New builds a Mulberry32 generator whose state is folded from the UTF-16 code
// units of seed. The sequence depends only on seed.
func New(seed string) Generator {
	state := fold(seed)
	return func() float64 {
		state += 0x6D2B79F5
		t := state
		t = (t ^ (t >> 15)) * (t | 1)
		t ^= t + (t^(t>>7))*(t|61)
		return float64(t^(t>>14)) / 4294967296.0
	}
}

// fold hashes the seed into a 32-bit state using the xmur3 mixing steps.
func fold(seed string) uint32 {
	units := utf16.Encode([]rune(seed))
	h := uint32(1779033703) ^ uint32(len(units))
	for _, u := range units {
		h = (h ^ uint32(u)) * 3432918353
		h = bits.RotateLeft32(h, 13)
	}
	h = (h ^ (h >> 16)) * 2246822507
	h = (h ^ (h >> 13)) * 3266489909
	return h ^ (h >> 16)
}

// RandomIndex returns floor(rng()*length) for a fresh generator seeded by seed.
func RandomIndex(seed string, length int) int {
	if length <= 0 {
		return 0
	}
	idx := int(New(seed)() * float64(length))
	if idx >= length {
		idx = length - 1
	}
	return idx
}

// RandomItem picks one element of items using RandomIndex.
func RandomItem[T any](seed string, items []T) (T, bool) {
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[RandomIndex(seed, len(items))], true
}

// Permutation returns a Fisher-Yates permutation of [0, n). It walks from the
// last index down to 1 and consumes exactly n-1 draws from gen.
func Permutation(gen Generator, n int) []int {
	if n <= 0 {
		return []int{}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(gen() * float64(i+1))
		if j > i {
			j = i
		}
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Shuffle returns a permuted copy of items driven by Permutation.
func Shuffle[T any](gen Generator, items []T) []T {
	order := Permutation(gen, len(items))
	out := make([]T, len(items))
	for i, idx := range order {
		out[i] = items[idx]
	}
	return out
}
