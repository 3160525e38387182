package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/chriscantu/inferflow/types"
)

const keyPrefix = "inference:cache:"

// HashKeyStrategy Hash 指纹策略
// 对请求的规范化内容做 SHA-256，内容完全相同才会命中
type HashKeyStrategy struct{}

// Name 返回策略名称
func (s *HashKeyStrategy) Name() string {
	return "hash"
}

// Fingerprint 生成 Hash 指纹
func (s *HashKeyStrategy) Fingerprint(req *types.Request) string {
	hash := sha256.Sum256(req.Canonical())
	return keyPrefix + hex.EncodeToString(hash[:16]) // 使用前 16 字节
}

// NewHashKeyStrategy 创建 Hash 策略
func NewHashKeyStrategy() *HashKeyStrategy {
	return &HashKeyStrategy{}
}

// FeatureKeyStrategy Feature 指纹策略
// 将指定特征提升为键的命名空间段，便于按该特征批量观察与失效
type FeatureKeyStrategy struct {
	feature string
}

// Name 返回策略名称
func (s *FeatureKeyStrategy) Name() string {
	return "feature"
}

// Fingerprint 生成带命名空间的指纹
func (s *FeatureKeyStrategy) Fingerprint(req *types.Request) string {
	ns := "default"
	if v, ok := req.Features[s.feature]; ok {
		ns = fmt.Sprintf("%v", v)
	}
	hash := sha256.Sum256(req.Canonical())
	return keyPrefix + ns + ":" + hex.EncodeToString(hash[:16])
}

// NewFeatureKeyStrategy 创建 Feature 策略
func NewFeatureKeyStrategy(feature string) *FeatureKeyStrategy {
	return &FeatureKeyStrategy{feature: feature}
}
