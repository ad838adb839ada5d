// Package migrations embeds the Postgres schema migrations so the binary can
// migrate without a checkout of this directory.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
