/*
包 cache 提供推理结果的指纹寻址缓存，通过本地固定容量缓存
与可选 Redis 二级缓存协同，避免对相同内容的请求重复执行推理。

# 概述

相同内容的预测请求在实际业务中频繁出现。本包以请求内容的
规范化指纹为键缓存历史结果：本地缓存按插入时间淘汰并在读取时
惰性过期，Redis 作为可选 L2 在多实例间共享结果并自动回填本地。

# 核心接口

  - Store：缓存读写接口，定义 Get/Set/Stats 操作。
  - KeyStrategy：指纹生成策略接口，支持 Hash 与 Feature 两种实现。
  - ResultCache：本地缓存实现，固定容量 + TTL，O(1) 读写。
  - MultiLevelResultCache：两级缓存实现，本地作为 L1、Redis 作为 L2。

# 主要能力

  - 指纹寻址：对请求内容规范化排序后哈希，内容相同即命中。
  - 插入序淘汰：容量满时淘汰最早插入的条目（非访问序）。
  - 惰性过期：TTL 到期的条目在读取时视为缺失并顺手移除。
  - 防御性校验：L2 读到无法解码或形状非法的条目一律视为未命中。
  - 运行统计：通过 Stats 获取命中、未命中、淘汰与当前条目数。

# 使用方式

	store := cache.NewResultCache(1000, 5*time.Minute)
	strategy := cache.NewHashKeyStrategy()
	fp := strategy.Fingerprint(req)
	if res, ok := store.Get(ctx, fp); ok {
	    // 命中
	}
*/
package cache
