/*
Package main 提供 TaskFlow 服务端程序入口。

# 概述

cmd/taskflow 启动 HTTP API（任务、SSE、WebSocket）、独立的 Prometheus
指标端口，并提供数据库迁移与健康检查子命令。配置来自 YAML 文件与
TASKFLOW_* 环境变量。

# 核心类型

  - Server      — 组装存储、事件总线、流网关、引擎与 HTTP 服务器，负责优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、version、health
  - storage.type 选择后端：memory、redis、database（gorm + golang-migrate）、mongo
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、RequestLogger、
    Metrics、CORS、APIKeyAuth、JWTAuth（sub 即任务所有者）、RateLimiter（按 owner / IP）
  - 优雅关闭：HTTP → 引擎 → 存储 → Metrics → 遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
