// Package migrations holds the SQL schema migrations for the postgres
// usage backend.
package migrations

import "embed"

//go:embed sql
var sqlMigrations embed.FS
