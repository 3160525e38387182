/*
包 batch 提供推理请求的合并执行能力，将短时间内到达的多个独立
请求聚合为有界批次统一交给执行器，以少量昂贵调用摊薄单次开销。

# 概述

高并发下逐条执行推理会产生大量重复开销。本包的 Coalescer 维护
一个先进先出的待处理队列：提交方阻塞等待自身结果，后台至多
一个排空协程按批次大小取出队首请求并调用注入的 Executor，
再按位置将输出一一送回对应的提交方。

# 核心接口

  - Executor：批量执行回调，输入输出切片必须等长且位置对齐。
  - Coalescer：合并器，Submit 为唯一公共入口。
  - Config：配置批次大小与凑批等待窗口。

# 关键语义

  - FIFO：请求严格按提交顺序出队，输出按位置对齐分发。
  - 单排空协程：同一 Coalescer 任意时刻至多一个排空协程在运行，
    标志位与队列由同一把锁保护，不存在双排空竞态。
  - 整批同败：执行器报错时该批次所有请求收到同一错误，
    不允许部分成功部分悬挂。
  - 取消不出队：提交方取消后立即返回，但其条目仍留在队列中
    照常被排空，结果送入无人接收的缓冲通道后由 GC 回收。

# 使用方式

	c := batch.NewCoalescer(batch.DefaultConfig(), executor, logger)
	res, err := c.Submit(ctx, req)
*/
package batch
