// Package migrations embeds the cache schema migrations into the binary.
//
// The SQL files are compiled into the executable, so the cache database
// can be created and upgraded without the files present on disk.
package migrations

import "embed"

// FS holds every *.up.sql / *.down.sql file at its root.
//
//go:embed *.sql
var FS embed.FS
