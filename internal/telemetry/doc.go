// Package telemetry 封装 OpenTelemetry SDK 的装配与关闭，
// 并提供把流水线观察事件写入 OTel 指标管线的 Observer。
package telemetry
