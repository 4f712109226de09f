// Copyright (c) ProcFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ProcFlow 服务端程序入口。

# 概述

cmd/procflow 组装流程运行时、事件日志后端与 HTTP API，提供
serve、migrate、health、version 子命令。配置来自 YAML 文件与
PROCFLOW_ 前缀环境变量。

# 核心类型

  - Server      — 连接 Redis / SQL / MongoDB，加载流程定义，运行 API 与 Metrics 双端口
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    Metrics、RequestLogger、CORS、RateLimiter（基于 IP）、APIKeyAuth
  - 定义目录监听：新增的流程文档在运行时注册
  - 优雅关闭：信号取消 ctx 后依次停止 HTTP、Metrics、监听器并释放后端连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
