package migrations

import "embed"

// FS contains embedded SQLite migrations for thread storage.
//
//go:embed *.sql
var FS embed.FS
