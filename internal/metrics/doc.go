// 版权所有 2024 TaskFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、任务、
事件、检查点、中断、流订阅与数据库连接池。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 指标。nil Collector 的所有记录方法均为空操作。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 任务指标：创建数（按 mode）、终态数（按 status）、步骤耗时。
  - 事件指标：按类型的追加数、序号冲突次数、检查点保存耗时。
  - 中断指标：待处理中断数、处理结果计数。
  - 流指标：活跃订阅数、因积压被关闭的订阅数。
*/
package metrics
