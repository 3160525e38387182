// Package server 提供 HTTP 服务器生命周期管理
//
// 封装监听、非阻塞启动、优雅关闭和信号等待，
// 供 cmd/inferflow 的 serve 子命令复用。
package server
