// Package migrations embeds the goose migration set applied at process
// startup by pkg/store/postgres.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
