// internal/storage/sqlite/migrations/migrations.go
// Package migrations embeds the SQLite schema for the story store.
package migrations

import "embed"

// FS 内嵌的迁移文件
//
//go:embed *.sql
var FS embed.FS
