package migrations

import "embed"

// Migrations holds the SQLite schema, applied with golang-migrate.
//
//go:embed *.sql
var Migrations embed.FS
