package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// MemoryBus 进程内总线，未配置 broker 时替代 Kafka (单分区，按发送顺序投递)
type MemoryBus struct {
	mu      sync.Mutex
	topics  map[string][]*kafka.Message
	subs    map[string][]*kafka.Processor
	pending []*kafka.Message
	signal  chan struct{}
	closed  bool
}

// NewMemoryBus 创建进程内总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string][]*kafka.Message),
		subs:   make(map[string][]*kafka.Processor),
		signal: make(chan struct{}, 1),
	}
}

// Subscribe 订阅 topic，需在 Run 之前调用
func (b *MemoryBus) Subscribe(topic string, p *kafka.Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], p)
}

// Send 实现 kafka.MessageSender
func (b *MemoryBus) Send(ctx context.Context, msg *kafka.Message) (*kafka.SendResult, error) {
	if msg == nil {
		return nil, kafka.ErrMessageNil
	}
	if msg.Topic == "" {
		return nil, kafka.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, kafka.ErrProducerClosed
	}
	m := msg.Clone()
	m.Partition = 0
	m.Offset = int64(len(b.topics[m.Topic]))
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	b.topics[m.Topic] = append(b.topics[m.Topic], m)
	if len(b.subs[m.Topic]) > 0 {
		b.pending = append(b.pending, m)
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return &kafka.SendResult{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}, nil
}

// Messages 返回 topic 上已发送的全部消息
func (b *MemoryBus) Messages(topic string) []*kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*kafka.Message(nil), b.topics[topic]...)
}

// Run 投递消息直到 ctx 结束
func (b *MemoryBus) Run(ctx context.Context) {
	for {
		for {
			msg, procs := b.next()
			if msg == nil {
				break
			}
			for _, p := range procs {
				if _, err := p.Process(ctx, msg); err != nil {
					logger.Error("memory bus delivery failed",
						zap.String("topic", msg.Topic),
						zap.Int64("offset", msg.Offset),
						zap.Error(err),
					)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
		}
	}
}

// Drain 同步投递所有待处理消息，包括投递过程中新产生的消息
func (b *MemoryBus) Drain(ctx context.Context) error {
	for {
		msg, procs := b.next()
		if msg == nil {
			return nil
		}
		for _, p := range procs {
			if _, err := p.Process(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Close 关闭总线，之后的发送返回 kafka.ErrProducerClosed
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) next() (*kafka.Message, []*kafka.Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, nil
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	return msg, append([]*kafka.Processor(nil), b.subs[msg.Topic]...)
}
