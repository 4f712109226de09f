// Copyright (c) ProcFlow Authors.
// Licensed under the MIT License.

/*
Package runtime 提供流程/任务编排运行时。

# 概述

Runtime 组合事件总线、流程定义注册表、内存实例存储、任务注册表与服务集成层：

  - CreateProcess / TransitionProcess / RemoveProcess 管理实例生命周期
  - Emit / EmitEvent 先投递到事件总线，再对监听该事件的所有实例尝试转换
  - ExecuteTask 执行任务并发布 TASK_STARTED / TASK_COMPLETED / TASK_FAILED
  - RegisterService / GetService 维护具名服务，ServiceConfig 形式的服务经重试与熔断执行

# 转换语义

按声明顺序取第一个守卫通过的候选转换。守卫返回错误或 panic 只跳过该转换。
提交后发布 STATE_CHANGED，然后调用转换动作，动作失败只记录日志。
没有匹配转换时实例保持不变。

# 级联

事件处理过程中发布的事件会继续驱动实例，级联深度超过 WithMaxCascadeDepth
后只投递到事件总线，不再驱动实例。
*/
package runtime
