// Package source supplies the decode pipeline's byte-level input: a finite
// file replay or a live, unbounded agent feed bridged through a pipe.
package source

import "io"

// Source is what internal/decode consumes: a byte stream plus, when known,
// its total size (used to size the overflow detector's lookahead queue per
// spec.md §4.2). Size returns 0 for a live feed with no known bound.
type Source interface {
	io.Reader
	Size() int64
}
