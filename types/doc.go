// Copyright (c) ProcFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 procflow 运行时的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 eventbus、process、task、
integration、runtime 与 api 等上层模块提供统一的错误契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - WithRequestID / WithTraceID — 请求级上下文值，供日志关联

# 错误码

  - VALIDATION_ERROR  — 流程/任务定义不合法，定义时同步返回
  - NOT_FOUND         — 未知的 process / instance / task / service / operation
  - CIRCUIT_OPEN      — 熔断器拒绝调用，未发起任何尝试
  - TASK_EXECUTION    — 任务实现 panic 或超时
  - SERVICE_OPERATION — 服务操作 panic
*/
package types
