// Package dbmigrations exposes embedded SQL migrations for Backcast binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Backcast binaries.
//
//go:embed *.sql
var Files embed.FS
