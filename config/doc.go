// Package config 提供 TaskFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → TASKFLOW_* 环境变量 的顺序加载，
// 最后执行验证器。各组件的配置结构与这里的分节一一对应，
// 由 cmd/taskflow 负责转换。
package config
