/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
连接数限制、优雅关闭与系统信号监听。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/WaitForShutdown 等生命周期方法。
  - Config：监听地址、读写与空闲超时、最大请求头、优雅关闭超时、
    最大连接数以及可选的证书/私钥路径。

# 主要能力

  - 连接上限：MaxConnections > 0 时监听器经 netutil.LimitListener 包装，
    超出的连接在 Accept 处排队。
  - TLS：配置证书后自动以 HTTPS 启动，使用 tlsutil 的加固配置。
  - 长连接：任务事件通过 SSE/WebSocket 推送，WriteTimeout 默认为 0。
*/
package server
