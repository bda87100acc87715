// Package tlsutil 提供集中式 TLS 配置，
// 供 API 服务端、健康检查客户端与 Redis 连接共用（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
