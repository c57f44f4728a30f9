package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// MessageHandler 消息处理函数，必须幂等
type MessageHandler func(ctx context.Context, msg *Message) error

// State 单条消息的处理状态
type State string

const (
	StateReceived       State = "received"
	StateProcessing     State = "processing"
	StateRetryScheduled State = "retry_scheduled"
	StateCommitted      State = "committed"
	StateDeadLettered   State = "dead_lettered"
)

// Outcome 处理终态，两种终态都允许提交 offset
type Outcome int

const (
	OutcomeCommitted Outcome = iota + 1
	OutcomeDeadLettered
)

// Hooks 状态观察回调 (用于指标)
type Hooks struct {
	OnTransition func(msg *Message, state State, attempt int)
	OnRetry      func(msg *Message, attempt int, wait time.Duration, err error)
	OnDeadLetter func(msg *Message, reason string, attempts int)
}

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	Retry            RetryPolicy
	StepTimeout      time.Duration
	DeadLetterSuffix string
}

// Processor 单条消息的 Received → Processing → {Committed | RetryScheduled | DeadLettered} 状态机
type Processor struct {
	handler MessageHandler
	config  ProcessorConfig
	sink    DeadLetterSink
	hooks   Hooks

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor 创建处理器，sink 不能为空
func NewProcessor(handler MessageHandler, cfg ProcessorConfig, sink DeadLetterSink) (*Processor, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	if sink == nil {
		return nil, errors.New("dead letter sink is required")
	}
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	return &Processor{
		handler: handler,
		config:  cfg,
		sink:    sink,
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// SetHooks 设置观察回调
func (p *Processor) SetHooks(h Hooks) {
	p.hooks = h
}

// SetSleeper 替换等待函数 (测试用)
func (p *Processor) SetSleeper(fn func(ctx context.Context, d time.Duration) error) {
	p.sleep = fn
}

// Process 处理一条消息直到进入终态
// 返回错误表示未进入终态 (会话结束或死信不可达)，调用方不得提交 offset
func (p *Processor) Process(ctx context.Context, msg *Message) (Outcome, error) {
	log := logger.WithContext(ctx).With(
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
	p.transition(msg, StateReceived, 0)

	maxAttempts := p.config.Retry.attempts()
	var (
		lastErr error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		p.transition(msg, StateProcessing, attempt)

		lastErr = p.runStep(ctx, msg)
		if lastErr == nil {
			p.transition(msg, StateCommitted, attempt)
			return OutcomeCommitted, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !IsRetryable(lastErr) {
			log.Warn("non-retryable failure", zap.Int("attempt", attempt), zap.Error(lastErr))
			break
		}
		if attempt >= maxAttempts {
			log.Warn("retries exhausted", zap.Int("attempt", attempt), zap.Error(lastErr))
			break
		}

		wait := p.config.Retry.Backoff(attempt)
		p.transition(msg, StateRetryScheduled, attempt)
		if p.hooks.OnRetry != nil {
			p.hooks.OnRetry(msg, attempt, wait, lastErr)
		}
		log.Info("retry scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		if err := p.sleep(ctx, wait); err != nil {
			return 0, err
		}
	}

	dl := &DeadLetter{
		Message:  msg,
		Topic:    msg.Topic + p.config.DeadLetterSuffix,
		Reason:   FailureReason(lastErr),
		Attempts: attempt,
		FailedAt: p.now(),
	}
	if err := p.deadLetter(ctx, dl); err != nil {
		return 0, err
	}
	p.transition(msg, StateDeadLettered, attempt)
	if p.hooks.OnDeadLetter != nil {
		p.hooks.OnDeadLetter(msg, dl.Reason, attempt)
	}
	log.Warn("message dead-lettered",
		zap.String("dead_letter_topic", dl.Topic),
		zap.String("reason", dl.Reason),
		zap.Int("attempts", attempt),
	)
	return OutcomeDeadLettered, nil
}

// runStep 在单步超时内执行 handler，panic 视为不可重试
func (p *Processor) runStep(ctx context.Context, msg *Message) (err error) {
	stepCtx := ctx
	if p.config.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, p.config.StepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	err = p.handler(stepCtx, msg)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("step timeout after %s: %w", p.config.StepTimeout, context.DeadlineExceeded)
	}
	return err
}

// deadLetter 写入死信，失败时按退避重试直到成功或会话结束
func (p *Processor) deadLetter(ctx context.Context, dl *DeadLetter) error {
	for try := 1; ; try++ {
		err := p.sink.DeadLetter(ctx, dl)
		if err == nil {
			return nil
		}
		logger.Error("dead letter delivery failed",
			zap.String("dead_letter_topic", dl.Topic),
			zap.Int("try", try),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := p.config.Retry.Backoff(try)
		if wait <= 0 {
			wait = time.Second
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (p *Processor) transition(msg *Message, state State, attempt int) {
	if p.hooks.OnTransition != nil {
		p.hooks.OnTransition(msg, state, attempt)
	}
}

// sleepContext 等待 d 或 ctx 结束
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
