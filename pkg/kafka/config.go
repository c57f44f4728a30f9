// Package kafka 封装 sarama 生产者与消费者组
// 消费端提供 at-least-once 语义：手动提交 offset、指数退避重试、死信路由
package kafka

import (
	"time"
)

// Config Kafka 基础配置
type Config struct {
	// Brokers broker 地址列表
	Brokers []string `yaml:"brokers" json:"brokers"`
	// ClientID 客户端标识
	ClientID string `yaml:"client_id" json:"client_id"`
	// Version Kafka 版本 (如 "2.8.0")
	Version string `yaml:"version" json:"version"`

	// SASL 认证配置
	SASL *SASLConfig `yaml:"sasl" json:"sasl"`
	// TLS 配置
	TLS *TLSConfig `yaml:"tls" json:"tls"`
}

// SASLConfig SASL 认证配置
type SASLConfig struct {
	Enable bool `yaml:"enable" json:"enable"`
	// Mechanism 认证机制: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Mechanism string `yaml:"mechanism" json:"mechanism"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
}

// TLSConfig TLS 配置
type TLSConfig struct {
	Enable             bool   `yaml:"enable" json:"enable"`
	CertFile           string `yaml:"cert_file" json:"cert_file"`
	KeyFile            string `yaml:"key_file" json:"key_file"`
	CAFile             string `yaml:"ca_file" json:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Config `yaml:",inline"`

	// Idempotent 幂等生产 (要求 RequiredAcks=-1)
	Idempotent bool `yaml:"idempotent" json:"idempotent"`
	// RequiredAcks 0=不等待, 1=Leader, -1=所有 ISR
	RequiredAcks int `yaml:"required_acks" json:"required_acks"`
	// MaxRetries 发送重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBackoff 发送重试间隔
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	// Compression none, gzip, snappy, lz4, zstd
	Compression string `yaml:"compression" json:"compression"`
	// Timeout 发送超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Config `yaml:",inline"`

	// GroupID 消费者组 ID，同组副本共享分区
	GroupID string `yaml:"group_id" json:"group_id"`
	// Topics 订阅的主题列表
	Topics []string `yaml:"topics" json:"topics"`
	// InitialOffset newest 或 oldest
	InitialOffset string `yaml:"initial_offset" json:"initial_offset"`

	// Session 会话配置
	Session SessionConfig `yaml:"session" json:"session"`

	// StepTimeout 单次处理超时，超时视为瞬时失败
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`

	// Retry 重试退避策略
	Retry RetryPolicy `yaml:"retry" json:"retry"`

	// DeadLetterSuffix 死信主题后缀，死信主题为 <topic><suffix>
	DeadLetterSuffix string `yaml:"dead_letter_suffix" json:"dead_letter_suffix"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	// Timeout 会话超时 (超时未心跳触发重平衡)
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// HeartbeatInterval 心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// DeadLetterTopic 返回 topic 对应的死信主题
func (c *ConsumerConfig) DeadLetterTopic(topic string) string {
	suffix := c.DeadLetterSuffix
	if suffix == "" {
		suffix = DefaultDeadLetterSuffix
	}
	return topic + suffix
}

// DefaultDeadLetterSuffix 默认死信后缀
const DefaultDeadLetterSuffix = ".dlq"

// DefaultProducerConfig 默认生产者配置
func DefaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{
		Config: Config{
			Version: "2.8.0",
		},
		Idempotent:   true,
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		Compression:  "snappy",
		Timeout:      10 * time.Second,
	}
}

// DefaultConsumerConfig 默认消费者配置
func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Config: Config{
			Version: "2.8.0",
		},
		InitialOffset: "oldest",
		Session: SessionConfig{
			Timeout:           30 * time.Second,
			HeartbeatInterval: 3 * time.Second,
		},
		StepTimeout:      30 * time.Second,
		Retry:            DefaultRetryPolicy(),
		DeadLetterSuffix: DefaultDeadLetterSuffix,
	}
}
