// Package config 提供 ProcFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → PROCFLOW_* 环境变量 的顺序加载，
// 另含流程定义目录的轮询监听器。
package config
