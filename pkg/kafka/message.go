package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// 消息头 key
const (
	HeaderRetryCount    = "retry_count"
	HeaderOriginalTopic = "original_topic"
	HeaderError         = "error"
	HeaderFailedAt      = "failed_at"
	HeaderEventType     = "event_type"
	HeaderContentType   = "content_type"
)

// Header 消息头
type Header struct {
	Key   string
	Value []byte
}

// Message Kafka 消息
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   []Header
	Partition int32
	Offset    int64
	Timestamp time.Time

	// RetryCount 已失败的尝试次数 (死信消息上有效)
	RetryCount int
	// OriginalTopic 原始主题 (死信消息上有效)
	OriginalTopic string
}

// NewJSONMessage 构造 JSON 消息
func NewJSONMessage(topic, key string, v interface{}) (*Message, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message failed: %w", err)
	}
	return &Message{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Partition: -1,
		Timestamp: time.Now(),
		Headers:   []Header{{Key: HeaderContentType, Value: []byte("application/json")}},
	}, nil
}

// DecodeJSON 将消息体解析到 v
func (m *Message) DecodeJSON(v interface{}) error {
	return json.Unmarshal(m.Value, v)
}

// GetHeader 获取消息头值
func (m *Message) GetHeader(key string) ([]byte, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// GetHeaderString 获取字符串消息头值
func (m *Message) GetHeaderString(key string) (string, bool) {
	if v, ok := m.GetHeader(key); ok {
		return string(v), true
	}
	return "", false
}

// SetHeader 设置消息头，已存在则覆盖
func (m *Message) SetHeader(key, value string) {
	for i := range m.Headers {
		if m.Headers[i].Key == key {
			m.Headers[i].Value = []byte(value)
			return
		}
	}
	m.Headers = append(m.Headers, Header{Key: key, Value: []byte(value)})
}

// HeaderMap 以 map 形式返回消息头
func (m *Message) HeaderMap() map[string]string {
	out := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// Clone 深拷贝消息
func (m *Message) Clone() *Message {
	clone := &Message{
		Topic:         m.Topic,
		Partition:     m.Partition,
		Offset:        m.Offset,
		Timestamp:     m.Timestamp,
		RetryCount:    m.RetryCount,
		OriginalTopic: m.OriginalTopic,
	}
	if m.Key != nil {
		clone.Key = append([]byte(nil), m.Key...)
	}
	if m.Value != nil {
		clone.Value = append([]byte(nil), m.Value...)
	}
	if m.Headers != nil {
		clone.Headers = make([]Header, len(m.Headers))
		for i, h := range m.Headers {
			clone.Headers[i] = Header{Key: h.Key, Value: append([]byte(nil), h.Value...)}
		}
	}
	return clone
}

// fromConsumerMessage 转换 sarama 消费消息
func fromConsumerMessage(msg *sarama.ConsumerMessage) *Message {
	m := &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
		Headers:   make([]Header, 0, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		m.Headers = append(m.Headers, Header{Key: string(h.Key), Value: h.Value})
	}
	if v, ok := m.GetHeaderString(HeaderRetryCount); ok {
		m.RetryCount, _ = strconv.Atoi(v)
	}
	if v, ok := m.GetHeaderString(HeaderOriginalTopic); ok {
		m.OriginalTopic = v
	}
	return m
}

// toProducerMessage 转换为 sarama 生产消息
func toProducerMessage(msg *Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic:   msg.Topic,
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: make([]sarama.RecordHeader, 0, len(msg.Headers)),
	}
	if len(msg.Key) > 0 {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	if msg.Partition >= 0 {
		pm.Partition = msg.Partition
	}
	if !msg.Timestamp.IsZero() {
		pm.Timestamp = msg.Timestamp
	}
	for _, h := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
	}
	return pm
}
