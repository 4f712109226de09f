/*
Package eventbus 提供进程内同步发布/订阅事件总线。

# 语义

  - Emit 在调用方 goroutine 内同步投递，按注册顺序先投递精确类型订阅者，
    再投递 Wildcard（"*"）订阅者
  - 处理器返回错误或 panic 只会被记录，不影响后续处理器，也不会传播给发布方
  - 同一类型的多个订阅相互独立，取消其中一个不影响其他
  - 不排队、不跨 goroutine 投递、不保留事件；需要持久化时由订阅者自行处理
    （参见 journal 包）

处理器本身是同步函数，需要异步处理时由处理器自行启动 goroutine。
*/
package eventbus
