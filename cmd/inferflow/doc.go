/*
Package main 提供 InferFlow 服务端程序入口。

# 概述

cmd/inferflow 是 InferFlow 推理服务的可执行入口，提供预测 HTTP API、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志
（zap）、Prometheus 指标采集以及 OpenTelemetry 追踪。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - observerAdapter  — 将流水线内部事件桥接到 Prometheus 收集器

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、RateLimiter（基于 IP）
  - 可选 Redis 两级缓存：redis.enabled 时自动接入
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 排空批次 → 关闭 Metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
