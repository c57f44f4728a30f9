package event

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/circuitbreaker"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// Publisher 事件发布者
// 发送经过熔断器，broker 不可用时快速失败，错误可重试
type Publisher struct {
	sender  kafka.MessageSender
	breaker *circuitbreaker.CircuitBreaker
	topics  Topics
}

// NewPublisher 创建发布者，sender 为 nil 时发布为空操作
func NewPublisher(sender kafka.MessageSender, breaker *circuitbreaker.CircuitBreaker) *Publisher {
	if breaker == nil {
		breaker = circuitbreaker.New("event-publisher", nil)
	}
	return &Publisher{sender: sender, breaker: breaker, topics: DefaultTopics()}
}

// WithTopics 设置事件类型到主题的映射，未配置的主题使用默认值
func (p *Publisher) WithTopics(t Topics) *Publisher {
	p.topics = t.WithDefaults()
	return p
}

// Topics 返回主题配置
func (p *Publisher) Topics() Topics {
	return p.topics
}

// Emit 按事件类型发送到配置的主题
func (p *Publisher) Emit(ctx context.Context, env *Envelope) error {
	topic := p.topics.For(env.EventType)
	if topic == "" {
		return apperrors.ErrInvalidRequest.WithMessagef("no topic for event type %s", env.EventType)
	}
	return p.Publish(ctx, topic, env)
}

// Publish 发送事件到 topic
func (p *Publisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	if p.sender == nil {
		return nil // 总线未启用
	}
	msg, err := kafka.NewJSONMessage(topic, env.Key(), env)
	if err != nil {
		return err
	}
	msg.SetHeader(kafka.HeaderEventType, string(env.EventType))

	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := p.sender.Send(ctx, msg)
		return err
	})
	if err != nil {
		logger.Error("publish event failed",
			zap.String("topic", topic),
			zap.String("event_type", string(env.EventType)),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrPublishFailed, err)
	}

	logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("event_type", string(env.EventType)),
		zap.String("key", env.Key()),
	)
	return nil
}

// Breaker 返回熔断器
func (p *Publisher) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
