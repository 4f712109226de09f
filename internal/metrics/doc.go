// Copyright (c) ProcFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、流程、任务、服务集成、事件日志、缓存与数据库。

# 概述

Collector 通过 promauto 注册到默认 Registry，所有指标按 namespace 隔离。
它同时满足 runtime、integration 与 journal 包的指标接口，
由 cmd/procflow 在启动时注入。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 流程指标：实例创建数、存活实例 Gauge、状态转换计数、事件发布计数。
  - 任务指标：执行总数与耗时，按 task_id/status 分组。
  - 服务指标：操作总数与耗时、熔断器状态 Gauge。
  - 事件日志、缓存与数据库连接池指标。
*/
package metrics
