// Package migrations embeds the SQL schema migrations so deployments
// carry their schema with the binary.
package migrations

import "embed"

// FS holds the versioned migration files.
//
//go:embed *.sql
var FS embed.FS
