// Package migrations embeds the SQL schema migrations for the session store.
package migrations

import "embed"

// FS holds every *.sql migration. Files are applied in order of their
// numeric prefix.
//
//go:embed *.sql
var FS embed.FS
