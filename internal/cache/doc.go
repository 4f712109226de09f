// 版权所有 2024 ProcFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程内共享的 Redis 客户端，并提供 webhook 重复投递去重。

# 核心类型

  - Manager：持有 redis.UniversalClient。journal 的 Redis Stream 存储
    通过 Client() 复用同一连接池。
  - HitRecorder：去重命中/未命中上报接口，由 metrics.Collector 实现，
    标签为 "webhook_dedup"。

# 主要能力

  - Claim：基于 SETNX 占用去重键，重复投递时返回首次写入的事件 ID。
  - Release：处理失败时释放键，允许发送方重试。
  - Ping/Close：健康探测与生命周期管理。
*/
package cache
