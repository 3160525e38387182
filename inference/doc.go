/*
包 inference 提供推理流水线的编排层，将准入控制、结果缓存、
批量合并与降级回退组合为单一入口 Predict。

# 控制流

调用方 → Gate.Acquire → 缓存查询（命中即返回）→ 未命中则
Coalescer.Submit 等待批量执行 → 写回缓存 → 返回结果。
主路径失败或超时则走降级路径，在独立预算内产出低置信度结果。

# 可用性契约

除调用方自身取消外，Predict 永远返回一个 Result：
执行器的失败被降级路径吸收，降级自身超时则退化为静态最低置信
结果。流水线的可用性与底层计算的可靠性解耦。

# 使用方式

	p := inference.NewPipeline(inference.DefaultConfig(), executor, fallback, logger)
	defer p.Close()
	res, err := p.Predict(ctx, req)
*/
package inference
