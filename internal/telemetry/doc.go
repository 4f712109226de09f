// Package telemetry 封装 OpenTelemetry SDK 初始化，
// 为运行时、服务集成层与 HTTP 中间件中的 span 提供全局 TracerProvider。
package telemetry
