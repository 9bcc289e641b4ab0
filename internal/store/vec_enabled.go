//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// VecEnabled reports whether this build was compiled with the sqlite-vec
// extension linked in (mirrors the teacher's internal/store/init_vec.go
// build-tag gating).
const VecEnabled = true

func init() {
	vec.Auto()
}
