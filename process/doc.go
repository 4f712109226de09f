// Package process 定义流程（有限状态机）、流程实例与内存实例存储，
// 并提供流程定义的 JSON/YAML 文档格式。
package process
