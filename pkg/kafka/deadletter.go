package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// DeadLetter 死信记录
type DeadLetter struct {
	// Message 原始消息
	Message *Message
	// Topic 死信主题
	Topic string
	// Reason 失败原因
	Reason string
	// Attempts 已尝试次数
	Attempts int
	// FailedAt 进入死信的时间
	FailedAt time.Time
}

// DeadLetterSink 死信目的地
// 实现必须幂等：同一 (topic, partition, offset) 可能因重投递被写入多次
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl *DeadLetter) error
}

// MessageSender 发送消息的最小接口
type MessageSender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// TopicDeadLetterSink 将死信转发到 <topic>.dlq
type TopicDeadLetterSink struct {
	sender MessageSender
}

// NewTopicDeadLetterSink 创建主题死信
func NewTopicDeadLetterSink(sender MessageSender) *TopicDeadLetterSink {
	return &TopicDeadLetterSink{sender: sender}
}

// DeadLetter 发送死信消息，附带失败原因、尝试次数与原始主题
func (s *TopicDeadLetterSink) DeadLetter(ctx context.Context, dl *DeadLetter) error {
	msg := dl.Message.Clone()
	msg.Topic = dl.Topic
	msg.Partition = -1
	msg.SetHeader(HeaderOriginalTopic, dl.Message.Topic)
	msg.SetHeader(HeaderRetryCount, strconv.Itoa(dl.Attempts))
	msg.SetHeader(HeaderError, dl.Reason)
	msg.SetHeader(HeaderFailedAt, dl.FailedAt.UTC().Format(time.RFC3339Nano))

	if _, err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send to dead letter topic %s failed: %w", dl.Topic, err)
	}
	return nil
}

// MultiDeadLetterSink 依次写入多个死信目的地，任一失败即返回错误
type MultiDeadLetterSink []DeadLetterSink

// DeadLetter 实现 DeadLetterSink
func (m MultiDeadLetterSink) DeadLetter(ctx context.Context, dl *DeadLetter) error {
	for _, sink := range m {
		if err := sink.DeadLetter(ctx, dl); err != nil {
			return err
		}
	}
	return nil
}
