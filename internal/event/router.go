package event

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// HandlerFunc 事件处理函数，必须幂等
type HandlerFunc func(ctx context.Context, env *Envelope) error

// Router 按事件类型分发
type Router struct {
	handlers map[Type]HandlerFunc
}

// NewRouter 创建路由
func NewRouter() *Router {
	return &Router{handlers: make(map[Type]HandlerFunc)}
}

// Register 注册事件处理函数
func (r *Router) Register(t Type, fn HandlerFunc) {
	r.handlers[t] = fn
}

// Handle 实现 kafka.MessageHandler
// 未注册的事件类型记录日志后跳过
func (r *Router) Handle(ctx context.Context, msg *kafka.Message) error {
	env, err := Parse(msg)
	if err != nil {
		return err
	}
	fn, ok := r.handlers[env.EventType]
	if !ok {
		logger.WithContext(ctx).Debug("no handler for event type, skipped",
			zap.String("topic", msg.Topic),
			zap.String("event_type", string(env.EventType)),
		)
		return nil
	}
	if err := fn(ctx, env); err != nil {
		return fmt.Errorf("handle %s %s/v%d: %w", env.EventType, env.SourceObligationID, env.SourceVersion, err)
	}
	return nil
}
