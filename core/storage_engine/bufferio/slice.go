// Package bufferio encodes and decodes typed values over a sequence of
// byte slices. A value may start at the end of one slice and finish at the
// start of the next, so documents and sort runs can span page boundaries.
package bufferio

import (
	"iter"
	"slices"
)

// Single yields b as the only slice of a source.
func Single(b []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		yield(b)
	}
}

// Slices yields each element of bs in order.
func Slices(bs ...[]byte) iter.Seq[[]byte] {
	return slices.Values(bs)
}

// Split cuts b into consecutive windows of at most size bytes.
func Split(b []byte, size int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(b) > 0 {
			n := min(size, len(b))
			if !yield(b[:n:n]) {
				return
			}
			b = b[n:]
		}
	}
}
