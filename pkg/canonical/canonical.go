// Package canonical 提供 RFC 8785 (JCS) 规范化 JSON 与确定性哈希
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal 返回 v 的 JCS 规范化 JSON
// 先按 json tag 编码，再交给 jcs 排序键、规范化数字与转义
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Hash 返回 v 的规范化 JSON 的 SHA-256 十六进制摘要
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes 计算原始字节的 SHA-256 十六进制摘要
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustHash 同 Hash，失败时 panic (仅用于由本包类型构造、必然可编码的值)
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
