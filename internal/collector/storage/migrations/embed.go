package migrations

import "embed"

// FS holds the beacon store schema migrations.
//
//go:embed *.sql
var FS embed.FS
