// Package migrations embeds the index schema for every supported dialect.
package migrations

import "embed"

// FS holds goose migrations under postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
