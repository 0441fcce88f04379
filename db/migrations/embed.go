// Package dbmigrations exposes embedded SQL migrations for dropwire binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into dropwire binaries.
//
//go:embed *.sql
var Files embed.FS
