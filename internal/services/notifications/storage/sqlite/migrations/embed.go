// Package migrations embeds the notifications schema migration files.
package migrations

import "embed"

// FS exposes the SQL migration files for the notifications store.
//
//go:embed *.sql
var FS embed.FS
