/*
包 admission 提供推理流水线的准入控制，通过计数信号量约束
同时在途的请求数，防止下游执行器被并发洪峰压垮。

# 核心接口

  - Gate：准入门，Acquire 阻塞等待并发槽位，Release 归还槽位。

# 主要能力

  - 上下文感知：Acquire 在 ctx 取消时立即返回错误且保证不占用槽位。
  - 在途计量：InFlight 返回当前已准入未释放的请求数。
  - 成对使用：每次成功 Acquire 必须恰好对应一次 Release，
    推荐紧跟 defer gate.Release()。
*/
package admission
