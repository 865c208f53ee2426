// Package migrations embeds the SQL schema migrations applied at startup.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files.
func FS() embed.FS {
	return files
}
