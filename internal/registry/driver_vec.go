//go:build sqlite_vec && cgo

package registry

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// sqlite_vec build: the cgo driver with the sqlite-vec extension
// auto-loaded; embedding ranking runs inside sqlite through
// vec_distance_cosine over the blob-encoded vectors.
const (
	sqliteDriver      = "sqlite3"
	vecRankingEnabled = true
)

func init() {
	vec.Auto()
}
