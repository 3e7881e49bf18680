// Package api 暴露任务的 REST 接口，并在同一个 HTTP 服务上挂载 WebSocket
// 与 Prometheus 指标端点。
package api
