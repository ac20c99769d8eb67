// Package migrations embeds the quota ledger schema for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
