package migrations

import "embed"

// Files 暴露按版本号命名的 SQL 迁移脚本，由 internal/storage/mysql 执行。
//
//go:embed *.sql
var Files embed.FS
