// Package migrations embeds the goose migrations of the postgres session
// repository.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
