// Package util 提供通用工具函数
package util

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID 生成实体 ID
// 使用 UUID v4，保留连字符以便与容器标签、卷目录名直接对应
func NewID() string {
	return uuid.NewString()
}

// HashToken 计算 Token 的 SHA-256 摘要
// 黑名单中只存摘要，不存原始 Token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TruncateString 截断字符串到指定长度
// 如果字符串超过指定长度，截断并添加 "..."
// 参数:
//   - s: 原字符串
//   - maxLen: 最大长度
//
// 返回:
//   - string: 截断后的字符串
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// Deref 返回指针指向的字符串，nil 返回空串
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
