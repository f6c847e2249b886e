// Package migrations embeds the SQL schema files applied by the
// "migrate" subcommand.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_computation_records.sql",
	"002_create_areas.sql",
}
