//go:build !(sqlite_vec && cgo)

package store

// VecEnabled is false in builds without the sqlite_vec tag; the Indexing
// Pipeline falls back to a brute-force cosine scan over plain BLOB
// columns (spec.md SPEC_FULL C6 addition).
const VecEnabled = false
