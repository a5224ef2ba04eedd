// Package migrations embeds the SQL schema applied by cmd/migrator.
package migrations

import "embed"

// FS holds every *.up.sql file in lexical apply order.
//
//go:embed *.sql
var FS embed.FS
