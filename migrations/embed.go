// Package migrations embeds the Postgres schema for the run store.
package migrations

import "embed"

// FS holds the forward-only .sql migrations, applied in file name order.
//
//go:embed *.sql
var FS embed.FS
