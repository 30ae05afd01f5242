package db

import "embed"

// Migrations holds the embedded goose migration files, so the binary can
// migrate regardless of its working directory.
//
//go:embed migrations/*.sql
var Migrations embed.FS
