// 版权所有 2024 ProcFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理事件日志（journal_events）表的 Schema，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 DDL 通过 embed.FS 内嵌在 migrations/<dialect>/ 下，
文件名遵循 000001_name.up.sql / .down.sql。SQLite 使用纯 Go 的
glebarez 驱动，与 gorm 方言共用同一驱动注册。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Force/Version/Status/Info，
    JournalTable 报告日志表是否存在及事件条数。
  - Config：数据库类型、连接 URL、迁移表名与锁超时。
  - CLI：`procflow migrate` 子命令表，每次变更后报告版本与日志表状态；
    dirty 时提示用 force 修复。

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig 从应用配置构建迁移器。
*/
package migration
