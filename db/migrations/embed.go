// Package dbmigrations exposes embedded SQL migrations for farm binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into farm binaries.
//
//go:embed *.sql
var Files embed.FS
