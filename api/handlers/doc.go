/*
Package handlers 提供 TaskFlow HTTP API 的请求处理器实现。

# 核心类型

  - TaskHandler      — 任务创建、查询、取消、中断决议，以及 SSE / WebSocket 事件流
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Database、Redis、MongoDB）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码映射，非 types.Error 一律按内部错误处理
  - 调用方身份取自上下文中的 owner，看不到的任务一律 404
*/
package handlers
