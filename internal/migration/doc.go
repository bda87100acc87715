/*
包 migration 管理任务、事件与检查点三张表的 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下，
与 task.Record、event.Record、checkpoint.Record 的 GORM 映射保持一致。
SQLite 连接走 glebarez/go-sqlite 纯 Go 驱动，与 GORM 存储共用，无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 操作集。
  - CLI：taskflow migrate 子命令的格式化输出层。
  - NewMigratorFromConfig：按 storage/database 配置打开连接并创建迁移器。
*/
package migration
