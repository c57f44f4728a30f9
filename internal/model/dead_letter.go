package model

import (
	"gorm.io/datatypes"
)

// DeadLetterMessage 死信消息 (供人工排查)
type DeadLetterMessage struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic      string         `gorm:"type:varchar(128);not null;uniqueIndex:uk_dlq_position,priority:1" json:"topic"`
	Partition  int32          `gorm:"type:integer;not null;uniqueIndex:uk_dlq_position,priority:2" json:"partition"`
	Offset     int64          `gorm:"column:msg_offset;type:bigint;not null;uniqueIndex:uk_dlq_position,priority:3" json:"offset"`
	MessageKey string         `gorm:"type:varchar(255)" json:"message_key"`
	Payload    []byte         `gorm:"type:bytea" json:"payload"`
	Headers    datatypes.JSON `gorm:"type:jsonb" json:"headers"`
	Reason     string         `gorm:"type:varchar(1024);not null" json:"reason"`
	Attempts   int            `gorm:"type:integer;not null" json:"attempts"`
	FailedAt   int64          `gorm:"type:bigint;not null;index" json:"failed_at"`
	CreatedAt  int64          `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (DeadLetterMessage) TableName() string {
	return "kafka_dlq_messages"
}
