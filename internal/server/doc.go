// 版权所有 2024 ProcFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与 errgroup 友好的阻塞运行。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Run/Shutdown 等生命周期方法。
  - Config：名称、监听地址、读写超时、空闲超时、最大请求头大小
    与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 阻塞运行：Run 在 ctx 结束后自动优雅关闭，API 服务与 metrics
    服务各自作为 errgroup 成员运行。
  - 错误传播：Errors() 返回异步错误通道。
  - 状态查询：IsRunning/Addr/ListenAddr。监听 ":0" 时 ListenAddr
    返回实际端口。
*/
package server
