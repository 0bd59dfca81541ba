//go:build !(sqlite_vec && cgo)

package registry

import (
	_ "modernc.org/sqlite"
)

// Default build: the pure-Go sqlite driver, no cgo required. Without
// the sqlite-vec extension, embedding ranking happens in process.
const (
	sqliteDriver      = "sqlite"
	vecRankingEnabled = false
)
