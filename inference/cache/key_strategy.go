package cache

import (
	"github.com/chriscantu/inferflow/types"
)

// KeyStrategy 指纹生成策略接口
type KeyStrategy interface {
	// Fingerprint 根据请求内容生成确定性缓存键
	Fingerprint(req *types.Request) string

	// Name 返回策略名称（用于日志和调试）
	Name() string
}
