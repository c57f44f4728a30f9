package kafka

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy 指数退避重试策略
// 第 n 次重试前等待 min(Base * Multiplier^(n-1), Max)
type RetryPolicy struct {
	// MaxAttempts 最大尝试次数 (含首次)，耗尽后进入死信
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseBackoff 首次重试等待
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
	// MaxBackoff 等待上限
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// Multiplier 退避倍数
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// Jitter 是否在 [0.5, 1.0) 区间随机缩放等待
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy 默认策略: 3 次、1s 起步、翻倍、上限 300s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  300 * time.Second,
		Multiplier:  2,
	}
}

// Backoff 返回第 retry 次重试 (从 1 开始) 前的等待时间
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	wait := float64(p.BaseBackoff) * math.Pow(multiplier, float64(retry-1))
	if p.MaxBackoff > 0 && wait > float64(p.MaxBackoff) {
		wait = float64(p.MaxBackoff)
	}
	if p.Jitter {
		wait *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(wait)
}

// attempts 返回有效的最大尝试次数
func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
