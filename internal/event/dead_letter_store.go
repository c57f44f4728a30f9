package event

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
)

// DeadLetterSaver 死信持久化接口
type DeadLetterSaver interface {
	Save(ctx context.Context, msg *model.DeadLetterMessage) error
}

// StoreSink 将死信写入 kafka_dlq_messages 供人工排查
type StoreSink struct {
	saver DeadLetterSaver
}

// NewStoreSink 创建死信存储
func NewStoreSink(saver DeadLetterSaver) *StoreSink {
	return &StoreSink{saver: saver}
}

// DeadLetter 实现 kafka.DeadLetterSink
func (s *StoreSink) DeadLetter(ctx context.Context, dl *kafka.DeadLetter) error {
	headers, err := json.Marshal(dl.Message.HeaderMap())
	if err != nil {
		return fmt.Errorf("marshal dead letter headers: %w", err)
	}
	return s.saver.Save(ctx, &model.DeadLetterMessage{
		Topic:      dl.Message.Topic,
		Partition:  dl.Message.Partition,
		Offset:     dl.Message.Offset,
		MessageKey: string(dl.Message.Key),
		Payload:    dl.Message.Value,
		Headers:    datatypes.JSON(headers),
		Reason:     truncate(dl.Reason, 1024),
		Attempts:   dl.Attempts,
		FailedAt:   dl.FailedAt.UnixMilli(),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
