// Package migrations embeds the queue schema migrations so the compiled
// binary manages its own schema without shipping SQL files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
