// Package migrations embeds the SQL schema for both lookup store drivers.
package migrations

import "embed"

// FS holds postgres/*.sql and sqlite/*.sql in golang-migrate file naming.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
