// Copyright (c) ProcFlow Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供按依赖隔离故障的三态熔断器。

# 状态转换

  - CLOSED：正常调用，连续失败达到 FailureThreshold 后进入 OPEN
  - OPEN：距最近一次失败不足 ResetTimeout 时直接返回 *OpenError，不调用被包装函数；
    窗口过后下一次调用进入 HALF_OPEN
  - HALF_OPEN：连续成功 SuccessThreshold 次后关闭；任意一次失败立即重新打开

被包装函数返回的错误总是原样返回给调用方。
*/
package circuitbreaker
