/*
包 metrics 提供流水线的进程内运行指标：请求量、错误率、缓存
命中率、指数加权平均延迟与启动以来的吞吐量。

记录路径只做原子累加与一次短临界区的 EWMA 更新，对正确性无任何
行为影响；Snapshot 返回只读快照，可与 Predict 并发调用。
*/
package metrics
