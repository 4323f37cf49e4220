package db

import "embed"

// EmbedMigrations holds the document schema migrations.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
