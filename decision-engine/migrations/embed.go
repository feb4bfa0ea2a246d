// Package migrations embeds the decision-engine schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
