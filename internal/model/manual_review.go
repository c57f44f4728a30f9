package model

// ReviewStatus 人工复核状态
type ReviewStatus int8

const (
	ReviewStatusPending  ReviewStatus = 1 // 待复核
	ReviewStatusResolved ReviewStatus = 2 // 已处理
)

// String 返回复核状态的字符串表示
func (s ReviewStatus) String() string {
	switch s {
	case ReviewStatusPending:
		return "PENDING"
	case ReviewStatusResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// ManualReviewItem 无法编译的义务，等待人工复核
type ManualReviewItem struct {
	ID           int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	ObligationID string       `gorm:"type:varchar(64);not null;uniqueIndex:uk_review_obligation,priority:1" json:"obligation_id"`
	Version      int64        `gorm:"type:bigint;not null;uniqueIndex:uk_review_obligation,priority:2" json:"version"`
	Reason       string       `gorm:"type:text;not null" json:"reason"`
	Status       ReviewStatus `gorm:"type:smallint;not null;index" json:"status"`
	ResolvedBy   string       `gorm:"type:varchar(64)" json:"resolved_by,omitempty"`
	ResolvedAt   int64        `gorm:"type:bigint" json:"resolved_at,omitempty"`
	CreatedAt    int64        `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (ManualReviewItem) TableName() string {
	return "manual_review_items"
}
