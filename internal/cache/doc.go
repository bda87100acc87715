// 版权所有 2024 TaskFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程内共享的 Redis 连接，并提供 JSON 快照缓存。

# 核心类型

  - Manager：持有 go-redis 客户端，负责连接校验、后台健康检查与关闭；
    Client() 供各 Redis 存储后端复用连接池。
  - Config：地址、密码、DB、连接池与默认 TTL 配置。

# 主要能力

  - JSON 缓存：GetJSON / SetJSON / Delete，未命中返回 ErrCacheMiss。
    task.CachedStore 用它缓存任务快照。
  - 健康检查：实现 Name/Check，可直接注册到 HTTP 健康检查处理器。
*/
package cache
