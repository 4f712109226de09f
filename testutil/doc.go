// Copyright 2026 ProcFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 ProcFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为 api、cmd 与集成测试提供统一的辅助能力。
被 testutil 依赖的包（eventbus、process、task、integration）在自身的
包内测试中不能反向引用它，否则会形成导入环。

# 核心能力

  - 事件记录: RecordEvents / RecordEventType 订阅总线或运行时并按序保存事件，
    Types / OfType / Count 读取，Stop 取消订阅

# 子包

  - testutil/mocks: MockService（脚本化服务操作，支持前 N 次失败与 panic）、
    MockTask（可编程任务实现，记录执行上下文）
  - testutil/fixtures: 预置流程定义（订单、审批、支付）、YAML/JSON 流程文档、
    webhook 请求体签名与 Bearer Token

# 使用示例

	rt := runtime.New(runtime.WithLogger(zaptest.NewLogger(t)))
	svc := mocks.NewMockService(integration.ServiceTypeHTTP).
		WithFailFirst("charge", 2, errors.New("503"))
	require.NoError(t, rt.RegisterService("payments", svc.Config()))
	rec := testutil.RecordEvents(rt)
*/
package testutil
