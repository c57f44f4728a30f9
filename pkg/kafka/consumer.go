package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// ProcessorConfigFrom 从消费者配置提取处理器配置
func ProcessorConfigFrom(cfg *ConsumerConfig) ProcessorConfig {
	return ProcessorConfig{
		Retry:            cfg.Retry,
		StepTimeout:      cfg.StepTimeout,
		DeadLetterSuffix: cfg.DeadLetterSuffix,
	}
}

// Consumer 消费者组
// offset 只在消息进入 Committed 或 DeadLettered 终态后提交
type Consumer struct {
	config    *ConsumerConfig
	group     sarama.ConsumerGroup
	processor *Processor

	started int32
	closed  int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer 创建消费者组
func NewConsumer(cfg *ConsumerConfig, processor *Processor) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, ErrBrokersRequired
	}
	if cfg.GroupID == "" {
		return nil, ErrGroupIDRequired
	}
	if len(cfg.Topics) == 0 {
		return nil, ErrTopicsRequired
	}
	if processor == nil {
		return nil, ErrHandlerRequired
	}

	saramaConfig, err := buildSaramaConsumerConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build sarama config failed: %w", err)
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group failed: %w", err)
	}

	logger.Info("kafka consumer created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", cfg.GroupID),
		zap.Strings("topics", cfg.Topics),
	)
	return &Consumer{
		config:    cfg,
		group:     group,
		processor: processor,
	}, nil
}

func buildSaramaConsumerConfig(cfg *ConsumerConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	if err := applyCommon(saramaConfig, &cfg.Config); err != nil {
		return nil, err
	}

	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategySticky(),
	}
	switch cfg.InitialOffset {
	case "newest":
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	if cfg.Session.Timeout > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = cfg.Session.Timeout
	}
	if cfg.Session.HeartbeatInterval > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = cfg.Session.HeartbeatInterval
	}
	return saramaConfig, nil
}

// Start 启动消费循环 (非阻塞)
func (c *Consumer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)

	handler := NewGroupHandler(c.processor)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// 每次重平衡后重新进入 Consume
			if err := c.group.Consume(ctx, c.config.Topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("consumer group session ended with error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		c.errorLoop(ctx)
	}()

	logger.Info("kafka consumer started", zap.String("group_id", c.config.GroupID))
	return nil
}

func (c *Consumer) errorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			logger.Error("consumer group error", zap.Error(err))
		}
	}
}

// Close 关闭消费者，等待在途消息结束
func (c *Consumer) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("consumer close timeout")
	}

	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group failed: %w", err)
	}
	logger.Info("kafka consumer closed", zap.String("group_id", c.config.GroupID))
	return nil
}

// GroupHandler 将 claim 中的消息交给 Processor
type GroupHandler struct {
	processor *Processor
}

// NewGroupHandler 创建 sarama.ConsumerGroupHandler
func NewGroupHandler(processor *Processor) *GroupHandler {
	return &GroupHandler{processor: processor}
}

// Setup 会话开始
func (h *GroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	logger.Info("consumer group session setup",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation_id", session.GenerationID()),
	)
	return nil
}

// Cleanup 会话结束
func (h *GroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	session.Commit()
	return nil
}

// ConsumeClaim 按分区顺序处理消息
// Process 返回错误时不提交并结束会话，未提交的消息会在下一会话重新投递
func (h *GroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := fromConsumerMessage(raw)
			if _, err := h.processor.Process(ctx, msg); err != nil {
				logger.Warn("message left uncommitted",
					zap.String("topic", raw.Topic),
					zap.Int32("partition", raw.Partition),
					zap.Int64("offset", raw.Offset),
					zap.Error(err),
				)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			session.MarkMessage(raw, "")
			session.Commit()
		}
	}
}
