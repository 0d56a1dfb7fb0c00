// Package migrations holds the goose migrations for the PostgreSQL flag
// source: the flags table and the trigger that announces changes over NOTIFY.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
