// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 TaskFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 task、event、executor、
interrupt、api 等上层模块提供统一的类型契约。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、ErrorType 标记
  - ResolutionConfig  — 中断允许的处理方式（accept_only / accept_or_edit / free_text_respond）
  - Resolution        — 人工处理结果（accept / edit(payload) / respond(text)）

# 主要能力

  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode / HTTPStatusFor
  - 常用错误构造：NewValidationError / NewNotFoundError / NewStepExecutionError
*/
package types
