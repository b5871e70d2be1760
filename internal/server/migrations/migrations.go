// Package migrations embeds the goose SQL migrations. The statements are
// written to run unchanged on both SQLite and PostgreSQL.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
