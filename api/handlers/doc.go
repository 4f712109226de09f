// Copyright (c) ProcFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 ProcFlow HTTP API 的请求处理器实现。

# 概述

handlers 包把 runtime.Runtime 的流程、事件、任务与服务操作暴露为
JSON over HTTP 端点，并负责外部服务 webhook 的接收与校验。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 ServeMux 模式。

# 核心类型

  - ProcessHandler   — 流程实例创建、查询、删除、事件驱动转换，以及定义的注册与导出
  - EventHandler     — 全局事件发布、事件日志查询、websocket 实时推送
  - TaskHandler      — 任务列表与执行
  - ServiceHandler   — 服务操作调用、熔断器状态与重置
  - WebhookHandler   — 入站 webhook：签名/JWT 校验、按事件 ID 去重、转发到事件总线
  - HealthHandler    — 存活、就绪与版本信息
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

types.ErrorCode 映射为 HTTP 状态码；熔断器打开返回 503 并带 Retry-After。
任务实现返回的普通错误按 TASK_EXECUTION（500）报告，服务操作的普通错误按
SERVICE_OPERATION（502）报告。
*/
package handlers
