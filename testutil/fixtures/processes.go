// Package fixtures 提供流程定义、流程文档与 webhook 请求的测试数据。
package fixtures

import (
	"context"

	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/process"
)

// =============================================================================
// 📋 流程定义
// =============================================================================

// OrderProcess 订单流程：created -> processing -> completed，processing 可取消
func OrderProcess() process.Config {
	return process.Config{
		ID:     "order",
		Name:   "Order",
		States: []string{"created", "processing", "completed", "cancelled"},
		Transitions: []process.Transition{
			{From: []string{"created"}, To: "processing", On: "START"},
			{From: []string{"processing"}, To: "completed", On: "DONE"},
			{From: []string{"created", "processing"}, To: "cancelled", On: "CANCEL"},
		},
	}
}

// ApprovalProcess 审批流程，APPROVE 需要 amount <= limit
func ApprovalProcess(limit float64) process.Config {
	return process.Config{
		ID:     "approval",
		States: []string{"pending", "approved", "rejected"},
		Transitions: []process.Transition{
			{
				From:  []string{"pending"},
				To:    "approved",
				On:    "APPROVE",
				Guard: AmountAtMost(limit),
			},
			{From: []string{"pending"}, To: "rejected", On: "REJECT"},
		},
	}
}

// PaymentProcess 响应 webhook 事件 service.payments.charge.succeeded 的全局流程
func PaymentProcess() process.Config {
	return process.Config{
		ID:     "payment",
		States: []string{"awaiting", "paid"},
		Transitions: []process.Transition{
			{From: []string{"awaiting"}, To: "paid", On: "service.payments.charge.succeeded"},
		},
	}
}

// AmountAtMost 检查实例上下文中的 amount
func AmountAtMost(limit float64) process.GuardFunc {
	return func(_ context.Context, data map[string]any, _ eventbus.Event) (bool, error) {
		amount, _ := data["amount"].(float64)
		return amount <= limit, nil
	}
}

// FuncRegistry 预置 guard "small_amount"（<= 100）与 action "noop"
func FuncRegistry() *process.FuncRegistry {
	reg := process.NewFuncRegistry()
	reg.RegisterGuard("small_amount", AmountAtMost(100))
	reg.RegisterAction("noop", func(context.Context, map[string]any, eventbus.Event) error { return nil })
	return reg
}

// =============================================================================
// 📄 流程文档
// =============================================================================

// TicketDocumentYAML 使用具名 guard 的 YAML 文档
const TicketDocumentYAML = `id: ticket
name: Support ticket
states:
  - open
  - name: escalated
    description: waiting for a specialist
  - name: closed
    final: true
transitions:
  - from: open
    to: escalated
    on: ESCALATE
    guard: small_amount
  - from: [open, escalated]
    to: closed
    on: CLOSE
    action: noop
`

// TicketDocumentJSON 与 TicketDocumentYAML 等价
const TicketDocumentJSON = `{
  "id": "ticket",
  "name": "Support ticket",
  "states": [
    "open",
    {"name": "escalated", "description": "waiting for a specialist"},
    {"name": "closed", "final": true}
  ],
  "transitions": [
    {"from": "open", "to": "escalated", "on": "ESCALATE", "guard": "small_amount"},
    {"from": ["open", "escalated"], "to": "closed", "on": "CLOSE", "action": "noop"}
  ]
}`
