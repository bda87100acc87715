// 版权所有 2024 TaskFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 概述

Open 根据驱动名（postgres / mysql / sqlite）选择 GORM 方言并建立连接，
sqlite 使用纯 Go 的 glebarez/sqlite 实现。Pool 按 config.DatabaseConfig
设置连接池上限，并按 health_check_interval 定期 ping、上报连接指标。

# 核心类型

  - Pool：任务、事件、检查点三个 GORM 存储共享的连接池，提供 DB()、
    Ping()、SetStatsReporter()、Close()，并实现 HTTP 健康检查接口
    （Name/Check）。

# 主要能力

  - 方言选择：Dialector / Open。
  - 约束冲突识别：IsUniqueViolation 供检查点与事件日志的 GORM
    后端识别并发写入冲突。
*/
package database
